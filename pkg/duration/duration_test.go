// Copyright 2025 Arcade Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package duration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr error
	}{
		{name: "seconds", input: "30s", want: 30 * time.Second},
		{name: "compound", input: "1m30s", want: 90 * time.Second},
		{name: "milliseconds", input: "250ms", want: 250 * time.Millisecond},
		{name: "days", input: "3d", want: 72 * time.Hour},
		{name: "weeks", input: "1w", want: 168 * time.Hour},
		{name: "padded", input: " 2h ", want: 2 * time.Hour},
		{name: "zero", input: "0", want: 0},
		{name: "empty", input: "", wantErr: ErrInvalidFormat},
		{name: "unknown unit", input: "1y", wantErr: ErrInvalidFormat},
		{name: "fraction of a day", input: "1.5d", wantErr: ErrInvalidFormat},
		{name: "negative", input: "-5s", wantErr: ErrNegative},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMustParse(t *testing.T) {
	assert.Equal(t, Day, MustParse("1d"))
	assert.Panics(t, func() { MustParse("soon") })
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "2w", Format(2*Week))
	assert.Equal(t, "3d", Format(3*Day))
	assert.Equal(t, "1m30s", Format(90*time.Second))
	assert.Equal(t, "0s", Format(0))

	for _, d := range []time.Duration{Week, 5 * Day, 25 * time.Hour, 20 * time.Millisecond} {
		got, err := Parse(Format(d))
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
}
