package wire

import (
	"bytes"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/bfxstream/errs"
)

// fields splits a positional array and checks its documented prefix arity. Extra
// trailing fields are tolerated.
func fields(raw json.RawMessage, arity int, shape string) ([]json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, errs.Derive(errs.ErrMalformedFrame, "wire",
			errs.WithMessage("decode "+shape), errs.WithCause(err))
	}
	if len(parts) < arity {
		return nil, errs.Derive(errs.ErrMalformedFrame, "wire",
			errs.WithMessage(shape+" too short"),
			errs.WithField("want", strconv.Itoa(arity)),
			errs.WithField("got", strconv.Itoa(len(parts))))
	}
	return parts, nil
}

// list splits an array of positional arrays.
func list(raw json.RawMessage, shape string) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errs.Derive(errs.ErrMalformedFrame, "wire",
			errs.WithMessage("decode "+shape+" list"), errs.WithCause(err))
	}
	return items, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func fieldError(i int, err error) error {
	return errs.Derive(errs.ErrMalformedFrame, "wire",
		errs.WithMessage("invalid field"),
		errs.WithField("index", strconv.Itoa(i)),
		errs.WithCause(err))
}

// decimalAt reads a number (or numeric string). Missing and null fields are zero.
func decimalAt(parts []json.RawMessage, i int) (decimal.Decimal, error) {
	if i >= len(parts) || isNull(parts[i]) {
		return decimal.Zero, nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(bytes.TrimSpace(parts[i])); err != nil {
		return decimal.Zero, fieldError(i, err)
	}
	return d, nil
}

func intAt(parts []json.RawMessage, i int) (int64, error) {
	d, err := decimalAt(parts, i)
	if err != nil {
		return 0, err
	}
	return d.IntPart(), nil
}

func stringAt(parts []json.RawMessage, i int) (string, error) {
	if i >= len(parts) || isNull(parts[i]) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(parts[i], &s); err != nil {
		return "", fieldError(i, err)
	}
	return s, nil
}

// timeAt reads a millisecond timestamp. Zero or missing yields the zero time.
func timeAt(parts []json.RawMessage, i int) (time.Time, error) {
	ms, err := intAt(parts, i)
	if err != nil || ms == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// boolAt accepts 1/0, true/false and null.
func boolAt(parts []json.RawMessage, i int) (bool, error) {
	if i >= len(parts) || isNull(parts[i]) {
		return false, nil
	}
	switch string(bytes.TrimSpace(parts[i])) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	n, err := intAt(parts, i)
	return n != 0, err
}

// reader accumulates the first decode error so decoders read as a flat field list.
type reader struct {
	parts []json.RawMessage
	err   error
}

func (r *reader) decimal(i int) decimal.Decimal {
	if r.err != nil {
		return decimal.Zero
	}
	d, err := decimalAt(r.parts, i)
	r.err = err
	return d
}

func (r *reader) int(i int) int64 {
	if r.err != nil {
		return 0
	}
	n, err := intAt(r.parts, i)
	r.err = err
	return n
}

func (r *reader) string(i int) string {
	if r.err != nil {
		return ""
	}
	s, err := stringAt(r.parts, i)
	r.err = err
	return s
}

func (r *reader) time(i int) time.Time {
	if r.err != nil {
		return time.Time{}
	}
	t, err := timeAt(r.parts, i)
	r.err = err
	return t
}

func (r *reader) bool(i int) bool {
	if r.err != nil {
		return false
	}
	b, err := boolAt(r.parts, i)
	r.err = err
	return b
}
