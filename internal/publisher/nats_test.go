package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectToken(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"RT-80", "RT-80"},
		{"Route 2", "Route_2"},
		{"A.B", "A_B"},
		{"x>*", "x__"},
		{"  ", "_"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, subjectToken(tc.in), "input %q", tc.in)
	}
}
