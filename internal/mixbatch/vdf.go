package mixbatch

import (
	"context"
	"math/big"
)

// SquaringsPerMillisecond calibrates the VdfDelayMs configuration knob to a
// sequential-squaring iteration count. A real deployment calibrates this
// against its own hardware at startup; this constant is a placeholder
// reference point, not a performance claim.
const SquaringsPerMillisecond = 1000

// VDFParams fixes the group a verifiable delay function runs over. The
// same RSA modulus backs both the VDF and the accumulator (spec §4.J: both
// are instantiated "against an RSA-accumulator state").
type VDFParams struct {
	Modulus *big.Int
}

// VDFOutput is a completed Wesolowski-style VDF evaluation: Y is the
// sequential-squaring result, Pi is the short proof that lets a verifier
// check Y was computed honestly without repeating all T squarings
// (spec §4.J step 2, §4.J invariant: "Verification of a proof is O(log t)").
type VDFOutput struct {
	Y *big.Int
	Pi *big.Int
	T uint64
}

// Evaluate computes y = x^(2^t) mod N via t sequential squarings (the
// forced-sequential delay) and a Wesolowski proof pi that lets Verify
// check the result in O(log t) group operations instead of repeating the
// t squarings.
//
// ctx is checked periodically so a cancelled batch's VDF computation can
// abort promptly (spec §5: "On cancellation ... a half-built batch returns
// its frames to the egress queue").
func Evaluate(ctx context.Context, params VDFParams, x *big.Int, t uint64) (*VDFOutput, error) {
	n := params.Modulus
	two := big.NewInt(2)

	y := new(big.Int).Mod(x, n)
	q := big.NewInt(0)
	r := big.NewInt(1)
	l := (*big.Int)(nil)

	for i := uint64(0); i < t; i++ {
		if i%2048 == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		y.Mul(y, y)
		y.Mod(y, n)
	}

	// Fiat-Shamir challenge prime, derived from the statement (x, y) so the
	// prover cannot choose it after seeing the quotient computation.
	l = HashToPrime(challengeBytes(x, y))

	// Compute q, r such that 2^t = q*l + r via t doubling steps. This costs
	// the prover the same order of work as the VDF evaluation itself, which
	// is acceptable: only the verifier needs the O(log t) path, and it gets
	// that by computing r = 2^t mod l with ordinary modexp instead of this
	// loop (see Verify).
	for i := uint64(0); i < t; i++ {
		q.Mul(q, two)
		r.Mul(r, two)
		if r.Cmp(l) >= 0 {
			r.Sub(r, l)
			q.Add(q, big.NewInt(1))
		}
	}

	pi := new(big.Int).Exp(x, q, n)

	return &VDFOutput{Y: y, Pi: pi, T: t}, nil
}

// Verify checks a VDF output in O(log t) modular multiplications: it
// recomputes the challenge prime l, derives r = 2^t mod l by fast modular
// exponentiation (exponent t, not t iterations), and checks
// pi^l * x^r ≡ y (mod N).
func Verify(params VDFParams, x, y, pi *big.Int, t uint64) bool {
	n := params.Modulus
	l := HashToPrime(challengeBytes(x, y))

	r := new(big.Int).Exp(big.NewInt(2), new(big.Int).SetUint64(t), l)

	left := new(big.Int).Exp(pi, l, n)
	xr := new(big.Int).Exp(x, r, n)
	left.Mul(left, xr)
	left.Mod(left, n)

	return left.Cmp(y) == 0
}

func challengeBytes(x, y *big.Int) []byte {
	xb := x.Bytes()
	yb := y.Bytes()
	buf := make([]byte, 0, len(xb)+len(yb)+1)
	buf = append(buf, xb...)
	buf = append(buf, 0x00) // separator: x and y are variable-length, avoid ambiguous concatenation
	buf = append(buf, yb...)
	return buf
}
