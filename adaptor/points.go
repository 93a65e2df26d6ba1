package adaptor

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// AddPoints returns R+S as a *secp256k1.PublicKey using Jacobian add and
// affine conversion.
func AddPoints(R, S *secp256k1.PublicKey) (*secp256k1.PublicKey, error) {
	var rj, sj, sum secp256k1.JacobianPoint
	R.AsJacobian(&rj)
	S.AsJacobian(&sj)

	secp256k1.AddNonConst(&rj, &sj, &sum)

	// Infinity if Z == 0 in Jacobian coords.
	if sum.Z.IsZero() {
		return nil, fmt.Errorf("point sum is point at infinity")
	}

	sum.ToAffine()

	var ax, ay secp256k1.FieldVal
	ax.Set(&sum.X)
	ay.Set(&sum.Y)

	return secp256k1.NewPublicKey(&ax, &ay), nil
}

// SubPoints returns R-S, failing on the point at infinity.
func SubPoints(R, S *secp256k1.PublicKey) (*secp256k1.PublicKey, error) {
	var sj secp256k1.JacobianPoint
	S.AsJacobian(&sj)
	sj.Y.Negate(1)
	sj.Y.Normalize()
	var ax, ay secp256k1.FieldVal
	sj.ToAffine()
	ax.Set(&sj.X)
	ay.Set(&sj.Y)
	return AddPoints(R, secp256k1.NewPublicKey(&ax, &ay))
}

// ScalarBaseMult returns s*G. Fails when s is zero (the result would be the
// point at infinity).
func ScalarBaseMult(s *secp256k1.ModNScalar) (*secp256k1.PublicKey, error) {
	if s.IsZero() {
		return nil, fmt.Errorf("zero scalar")
	}
	var out secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(s, &out)
	out.ToAffine()
	var ax, ay secp256k1.FieldVal
	ax.Set(&out.X)
	ay.Set(&out.Y)
	return secp256k1.NewPublicKey(&ax, &ay), nil
}

// ScalarMult returns s*P, failing on the point at infinity.
func ScalarMult(s *secp256k1.ModNScalar, P *secp256k1.PublicKey) (*secp256k1.PublicKey, error) {
	var pj, out secp256k1.JacobianPoint
	P.AsJacobian(&pj)
	secp256k1.ScalarMultNonConst(s, &pj, &out)
	if out.Z.IsZero() {
		return nil, fmt.Errorf("scalar mult result is point at infinity")
	}
	out.ToAffine()
	var ax, ay secp256k1.FieldVal
	ax.Set(&out.X)
	ay.Set(&out.Y)
	return secp256k1.NewPublicKey(&ax, &ay), nil
}

// xScalar reduces the affine x coordinate of P modulo the curve order.
func xScalar(P *secp256k1.PublicKey) secp256k1.ModNScalar {
	var r secp256k1.ModNScalar
	comp := P.SerializeCompressed()
	r.SetByteSlice(comp[1:33])
	return r
}
