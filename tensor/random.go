package tensor

import "math/rand"

// Randn returns a tensor filled with standard normal samples.
func Randn(shape ...int) *Tensor {
	out := Zeros(shape...)
	for i := range out.data {
		out.data[i] = rand.NormFloat64()
	}
	return out
}

// Seed reseeds the source used by Randn.
func Seed(seed int64) {
	rand.Seed(seed)
}
