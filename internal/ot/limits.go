package ot

import "fmt"

// Limits bounds document and operation sizes accepted by a session.
type Limits struct {
	MaxDocumentSize int `json:"max_document_size" yaml:"max_document_size"`
	MaxOpTextLength int `json:"max_op_text_length" yaml:"max_op_text_length"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxDocumentSize: 50000000, // ~50MB
		MaxOpTextLength: 50000,    // ~50KB
	}
}

// Check rejects ops whose payload exceeds the per-op bound or would
// grow the document past the size bound.
func (l Limits) Check(op Op, docLen int) error {
	if op.Kind == Insert {
		if l.MaxOpTextLength > 0 && len(op.Text) > l.MaxOpTextLength {
			return fmt.Errorf("%w: insert of %d bytes exceeds limit %d", ErrInvalidOperation, len(op.Text), l.MaxOpTextLength)
		}
		if l.MaxDocumentSize > 0 && docLen+len(op.Text) > l.MaxDocumentSize {
			return fmt.Errorf("%w: document would exceed %d bytes", ErrInvalidOperation, l.MaxDocumentSize)
		}
	}
	return nil
}
