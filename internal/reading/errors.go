package reading

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failed or skipped fetch.
type Kind int

const (
	// KindTransient covers network errors, timeouts, non-2xx responses and
	// malformed payloads. The next scheduled tick is the retry.
	KindTransient Kind = iota
	// KindMissingField means the payload was usable but incomplete.
	KindMissingField
	// KindDuplicate means the vendor has nothing newer than the last tick.
	KindDuplicate
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindMissingField:
		return "missing_field"
	case KindDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// ErrDuplicate is wrapped by every Duplicate FetchError.
var ErrDuplicate = errors.New("no new reading since last tick")

// FetchError is what sources return instead of panicking or leaking raw
// transport errors.
type FetchError struct {
	Kind   Kind
	Entity string
	Fields []string
	Err    error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Entity != "" {
		b.WriteString(" [")
		b.WriteString(e.Entity)
		b.WriteString("]")
	}
	if len(e.Fields) > 0 {
		b.WriteString(" fields=")
		b.WriteString(strings.Join(e.Fields, ","))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient wraps err as a retry-on-next-tick failure.
func Transient(err error) *FetchError {
	return &FetchError{Kind: KindTransient, Err: err}
}

// MissingFields reports fields of entity that were recorded as Absent.
func MissingFields(entity string, fields ...string) *FetchError {
	return &FetchError{
		Kind:   KindMissingField,
		Entity: entity,
		Fields: fields,
		Err:    fmt.Errorf("%d field(s) missing from payload", len(fields)),
	}
}

// Duplicate reports that nothing new was available.
func Duplicate(detail string) *FetchError {
	err := ErrDuplicate
	if detail != "" {
		err = fmt.Errorf("%w: %s", ErrDuplicate, detail)
	}
	return &FetchError{Kind: KindDuplicate, Err: err}
}

// KindOf classifies err. Errors that are not FetchErrors count as transient.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, ErrDuplicate) {
		return KindDuplicate
	}
	return KindTransient
}

// mergeMissing folds several MissingField errors (one per entity) into one.
func mergeMissing(errs []*FetchError) *FetchError {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	merged := &FetchError{Kind: KindMissingField}
	for _, e := range errs {
		for _, f := range e.Fields {
			merged.Fields = append(merged.Fields, e.Entity+"."+f)
		}
	}
	merged.Err = fmt.Errorf("%d field(s) missing across %d entities", len(merged.Fields), len(errs))
	return merged
}

// JoinMissing is used by sources that fetch several entities per tick.
func JoinMissing(errs ...*FetchError) error {
	var kept []*FetchError
	for _, e := range errs {
		if e != nil {
			kept = append(kept, e)
		}
	}
	if m := mergeMissing(kept); m != nil {
		return m
	}
	return nil
}
