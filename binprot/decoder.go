package binprot

type decodeState uint8

const (
	awaitHeader decodeState = iota
	awaitExtras
	awaitKey
	awaitValue
)

func (s decodeState) String() string {
	switch s {
	case awaitHeader:
		return "header"
	case awaitExtras:
		return "extras"
	case awaitKey:
		return "key"
	case awaitValue:
		return "value"
	default:
		return "unknown"
	}
}

// Decoder turns a request byte stream into Requests.
//
// It is a four state machine (header, extras, key, value) where each state
// declares how many bytes it needs before it can run. Input is buffered
// across Feed calls, so the stream may be delivered in arbitrary pieces.
// A Decoder is not safe for concurrent use; decoding is sequential per
// connection by construction.
type Decoder struct {
	maxBody uint32

	state decodeState
	need  int
	buf   []byte

	cur  *Request
	body []byte

	err error
}

// NewDecoder returns a decoder rejecting bodies larger than maxBodyLength.
// Zero selects DefaultMaxBodyLength.
func NewDecoder(maxBodyLength uint32) *Decoder {
	if maxBodyLength == 0 {
		maxBodyLength = DefaultMaxBodyLength
	}
	return &Decoder{
		maxBody: maxBodyLength,
		state:   awaitHeader,
		need:    HeaderLen,
	}
}

// Feed consumes p and returns the requests it completed, in stream order.
//
// On a framing violation Feed returns the requests completed before the bad
// frame together with a *FrameError. The decoder is then dead: every later
// call returns the same error without parsing.
func (d *Decoder) Feed(p []byte) ([]*Request, error) {
	if d.err != nil {
		return nil, d.err
	}

	d.buf = append(d.buf, p...)

	var reqs []*Request
	off := 0
	for len(d.buf)-off >= d.need {
		chunk := d.buf[off : off+d.need]
		off += d.need

		req, err := d.step(chunk)
		if err != nil {
			d.err = err
			d.buf = nil
			return reqs, err
		}
		if req != nil {
			reqs = append(reqs, req)
		}
	}

	n := copy(d.buf, d.buf[off:])
	d.buf = d.buf[:n]
	return reqs, nil
}

// Buffered returns the number of bytes held for an incomplete state.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// step runs the current state on a chunk of exactly d.need bytes.
func (d *Decoder) step(chunk []byte) (*Request, error) {
	switch d.state {
	case awaitHeader:
		return nil, d.header(chunk)

	case awaitExtras:
		extraLen := int(d.cur.ExtraLen)
		copy(d.body, chunk)
		d.cur.Extras = d.body[:extraLen:extraLen]
		d.expectKey()
		return nil, nil

	case awaitKey:
		from := int(d.cur.ExtraLen)
		to := from + int(d.cur.KeyLen)
		copy(d.body[from:], chunk)
		d.cur.Key = span(d.body, from, to)
		d.state = awaitValue
		d.need = int(d.cur.ValueLen())
		return nil, nil

	case awaitValue:
		from := int(d.cur.ExtraLen) + int(d.cur.KeyLen)
		copy(d.body[from:], chunk)
		d.cur.Value = span(d.body, from, len(d.body))

		req := d.cur
		d.reset()
		return req, nil
	}

	panic("binprot: decoder in unknown state " + d.state.String())
}

func (d *Decoder) header(chunk []byte) error {
	h, err := DecodeHeader(chunk)
	if err != nil {
		return err
	}

	if h.Magic != MagicRequest {
		return &FrameError{Err: ErrBadMagic, Header: h}
	}
	if h.ValueLen() < 0 {
		return &FrameError{Err: ErrBodyLength, Header: h}
	}
	if h.BodyLen > d.maxBody {
		return &FrameError{Err: ErrFrameTooLarge, Header: h}
	}

	// One allocation per frame; extras, key and value are views into it.
	d.cur = &Request{Header: h}
	d.body = make([]byte, h.BodyLen)

	if h.ExtraLen > 0 {
		d.state = awaitExtras
		d.need = int(h.ExtraLen)
		return nil
	}

	d.expectKey()
	return nil
}

func (d *Decoder) expectKey() {
	d.state = awaitKey
	d.need = int(d.cur.KeyLen)
}

func (d *Decoder) reset() {
	d.cur = nil
	d.body = nil
	d.state = awaitHeader
	d.need = HeaderLen
}

func span(b []byte, from, to int) []byte {
	if from == to {
		return nil
	}
	return b[from:to:to]
}
