/*
Package factory provides JSON to Go operation conversion.

PURPOSE:
  Converts JSON operation envelopes into the tagged engine.Operation
  variants. The HTTP layer and the scenario loader accept operations as
  JSON; the factory picks the concrete struct from the "kind" field so
  the engine never sees an untyped request.

JSON SCHEMA:
  {
    "kind": "treasury_transfer",
    "from_treasury_id": "main",
    "to_treasury_id": "bank",
    "amount": "250.00",
    "notes": "weekly deposit",
    "occurred_at": "2025-03-10T09:00:00Z",
    "idempotency_key": "transfer-2025-03-10"
  }

  Every field other than "kind" belongs to the variant named by it
  (see engine/ops.go for each variant's fields). Amounts may be JSON
  strings or numbers; strings are preferred because they keep decimals
  exact.

KEY FEATURES:
  - Rejects unknown kinds with a ValidationError on "kind"
  - Accepts "day" of a daily_cycle as a plain date ("2025-03-10")
  - Validates the decoded operation before returning it

USAGE:
  op, err := factory.ParseOperation(body)
  if err != nil {
      return err // *ledger.ValidationError
  }
  res, err := engine.Execute(ctx, op)

SEE ALSO:
  - engine/ops.go: Operation variants
  - api/handlers.go: POST /api/operations
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/warp/ledger-engine/engine"
	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// DECODERS
// =============================================================================

type decoder func(data []byte) (engine.Operation, error)

func decodeAs[T engine.Operation](data []byte) (engine.Operation, error) {
	var op T
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, err
	}
	return op, nil
}

var decoders = map[string]decoder{
	engine.KindExpense:            decodeAs[engine.Expense],
	engine.KindDeposit:            decodeAs[engine.Deposit],
	engine.KindSupplierPayment:    decodeAs[engine.SupplierPayment],
	engine.KindTreasuryTransfer:   decodeAs[engine.TreasuryTransfer],
	engine.KindRepresentativeCash: decodeAs[engine.RepresentativeCash],
	engine.KindStockTransfer:      decodeAs[engine.StockTransfer],
	engine.KindReceiving:          decodeAs[engine.Receiving],
	engine.KindReturn:             decodeAs[engine.Return],
	engine.KindCustodyAssignment:  decodeAs[engine.CustodyAssignment],
	engine.KindCustodyReturn:      decodeAs[engine.CustodyReturn],
	engine.KindAdjustment:         decodeAs[engine.Adjustment],
	engine.KindOpeningBalance:     decodeAs[engine.OpeningBalance],
	engine.KindReversal:           decodeAs[engine.Reversal],
	engine.KindDailyCycle:         decodeDailyCycle,
}

// Kinds lists every supported operation kind, sorted.
func Kinds() []string {
	kinds := make([]string, 0, len(decoders))
	for k := range decoders {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// =============================================================================
// PARSING
// =============================================================================

type envelope struct {
	Kind string `json:"kind"`
}

// ParseOperation decodes and validates a single operation.
func ParseOperation(data []byte) (engine.Operation, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ledger.NewValidationError("body", fmt.Sprintf("invalid JSON: %v", err))
	}
	if env.Kind == "" {
		return nil, ledger.NewValidationError("kind", "kind is required")
	}
	decode, ok := decoders[env.Kind]
	if !ok {
		return nil, ledger.NewValidationError("kind",
			fmt.Sprintf("unknown operation %q (expected one of %s)", env.Kind, strings.Join(Kinds(), ", ")))
	}

	op, err := decode(data)
	if err != nil {
		return nil, ledger.NewValidationError("body", fmt.Sprintf("invalid %s: %v", env.Kind, err))
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return op, nil
}

// ParseBatch decodes a JSON array of operations. The index of the first
// failing operation is prefixed to the field of its ValidationError.
func ParseBatch(data []byte) ([]engine.Operation, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, ledger.NewValidationError("body", fmt.Sprintf("expected a JSON array: %v", err))
	}
	ops := make([]engine.Operation, 0, len(raws))
	for i, raw := range raws {
		op, err := ParseOperation(raw)
		if err != nil {
			var verr *ledger.ValidationError
			if errors.As(err, &verr) {
				return nil, ledger.NewValidationError(fmt.Sprintf("[%d].%s", i, verr.Field), verr.Message)
			}
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// decodeDailyCycle also accepts a date-only "day".
func decodeDailyCycle(data []byte) (engine.Operation, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if raw, ok := fields["day"]; ok {
		var day string
		if json.Unmarshal(raw, &day) == nil && len(day) == len(time.DateOnly) {
			t, err := time.ParseInLocation(time.DateOnly, day, time.UTC)
			if err != nil {
				return nil, fmt.Errorf("day: %w", err)
			}
			fields["day"], _ = json.Marshal(t)
			if data, err = json.Marshal(fields); err != nil {
				return nil, err
			}
		}
	}

	var op engine.DailyCycle
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, err
	}
	return op, nil
}
