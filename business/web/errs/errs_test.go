package errs_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/ardanlabs/utxonode/business/web/errs"
	"github.com/ardanlabs/utxonode/foundation/blockchain/chain"
	"github.com/ardanlabs/utxonode/foundation/blockchain/validation"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func Test_NewRule(t *testing.T) {
	t.Log("Given the need to map processing errors to HTTP status codes.")
	{
		tt := []struct {
			name   string
			err    error
			status int
		}{
			{"malformed", validation.NewRuleError(validation.Malformed, validation.ReasonMalformed, "bad json"), http.StatusBadRequest},
			{"missing", validation.NewRuleError(validation.MissingReference, validation.ReasonStaleReference, "unknown input"), http.StatusUnprocessableEntity},
			{"consensus", validation.NewRuleError(validation.ConsensusViolation, validation.ReasonDoubleSpend, "spent"), http.StatusNotAcceptable},
			{"resource", validation.NewRuleError(validation.ResourceExhaustion, validation.ReasonPoolFull, "full"), http.StatusServiceUnavailable},
			{"already have", fmt.Errorf("wrapped: %w", chain.ErrAlreadyHave), http.StatusConflict},
		}

		for testID, tst := range tt {
			f := func(t *testing.T) {
				te := errs.GetTrusted(errs.NewRule(tst.err))
				if te == nil || te.Status != tst.status {
					t.Fatalf("\t%s\tTest %d:\tShould map to status %d, got %v.", failed, testID, tst.status, te)
				}
				t.Logf("\t%s\tTest %d:\tShould map to status %d.", success, testID, tst.status)
			}

			t.Run(tst.name, f)
		}

		err := errors.New("disk failure")
		if errs.IsTrusted(errs.NewRule(err)) {
			t.Fatalf("\t%s\tShould leave other errors untrusted.", failed)
		}
		t.Logf("\t%s\tShould leave other errors untrusted.", success)
	}
}
