package internal

import "github.com/zeebo/xxh3"

// Bucket maps key to one of n buckets. Keys keep their bucket when n grows,
// except for the 1/n share that moves to the new bucket.
func Bucket(key []byte, n int) int {
	if n <= 1 {
		return 0
	}
	return JumpHash(xxh3.Hash(key), n)
}

// BucketString is Bucket for a string key, without a copy.
func BucketString(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return JumpHash(xxh3.HashString(key), n)
}

// JumpHash is Google's "Jump" consistent hash (https://arxiv.org/abs/1406.2294),
// after https://github.com/dgryski/go-jump.
func JumpHash(key uint64, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}

	var b, j int64 = -1, 0
	for j < int64(numBuckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}

	return int(b)
}
