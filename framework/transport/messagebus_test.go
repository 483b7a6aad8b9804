package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		subject string
		pattern string
		want    bool
	}{
		{"payments.status.pay-1", "payments.status.pay-1", true},
		{"payments.status.pay-1", "payments.status.*", true},
		{"payments.status.pay-1", "payments.>", true},
		{"payments.signal.cancelRequested", "payments.status.*", false},
		{"payments.status", "payments.status.*", false},
		{"payments", "payments.>", false},
		{"payments.status.pay-1.extra", "payments.status.*", false},
		{"payments.status.pay-1", "*.*.*", true},
	}
	for _, tt := range tests {
		t.Run(tt.subject+"~"+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchSubject(tt.subject, tt.pattern))
		})
	}
}
