package api

import (
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"time"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // legacy proof format

	"github.com/inkwire/gatehouse/trust"
)

// Operator endpoints are guarded by a time-boxed proof instead of a
// session: RIPEMD-160 over the operator credentials, the current proof
// window number, and an operation-specific salt. Proofs from the
// current and the immediately previous window are accepted.

func operatorDigest(user, pass string, slot int64, salt string) string {
	h := ripemd160.New()
	h.Write([]byte(user))
	h.Write([]byte(pass))
	h.Write([]byte(strconv.FormatInt(slot, 10)))
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil))
}

// checkOperatorProof validates a hex-40 proof for the given salt.
func (a *API) checkOperatorProof(proof, salt string) error {
	if a.cfg.OperatorUser == "" || a.cfg.OperatorPass == "" {
		return trust.Failf(trust.Misuse, "operator access is not configured")
	}
	if proof == "" {
		return trust.Failf(trust.Misuse, "operator proof required")
	}
	slot := a.now().Unix() / int64(a.cfg.OperatorWindow/time.Second)
	for _, s := range []int64{slot, slot - 1} {
		want := operatorDigest(a.cfg.OperatorUser, a.cfg.OperatorPass, s, salt)
		if subtle.ConstantTimeCompare([]byte(want), []byte(proof)) == 1 {
			return nil
		}
	}
	return trust.Failf(trust.Misuse, "operator proof rejected")
}
