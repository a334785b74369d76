package mode

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/airq-cli/internal/model"
)

func TestResolve_AllCodes(t *testing.T) {
	for _, code := range Codes {
		t.Run(code, func(t *testing.T) {
			s, err := Resolve(code)
			require.NoError(t, err)
			assert.Equal(t, code, s.Code)
			assert.Equal(t, DefaultTargets, s.Targets)
			assert.True(t, s.Includes(GroupWeather))
			assert.True(t, s.Includes(GroupTime))
		})
	}
}

func TestResolve_Shape(t *testing.T) {
	tests := []struct {
		code       string
		scope      Scope
		historical bool
		multi      bool
		static     bool
	}{
		{"GTM", ScopeGlobal, false, true, true},
		{"GHS", ScopeGlobal, true, false, true},
		{"CTS", ScopeCity, false, false, false},
		{"CHM", ScopeCity, true, true, false},
	}
	for _, tt := range tests {
		s, err := Resolve(tt.code)
		require.NoError(t, err)
		assert.Equal(t, tt.scope, s.Scope, tt.code)
		assert.Equal(t, tt.historical, s.Historical(), tt.code)
		assert.Equal(t, tt.historical, s.Includes(GroupLag), tt.code)
		assert.Equal(t, tt.historical, s.Includes(GroupRolling), tt.code)
		assert.Equal(t, tt.multi, s.Multi(), tt.code)
		assert.Equal(t, tt.static, s.Includes(GroupStatic), tt.code)
	}
}

func TestResolve_LowercaseAccepted(t *testing.T) {
	s, err := Resolve(" chs ")
	require.NoError(t, err)
	assert.Equal(t, "CHS", s.Code)
	assert.True(t, s.PerCity())
}

func TestResolve_Unknown(t *testing.T) {
	for _, code := range []string{"", "XYZ", "GT", "GTMX", "GXM", "GTQ"} {
		_, err := Resolve(code)
		require.Error(t, err, code)
		assert.True(t, eris.Is(err, model.ErrConfiguration), code)
	}
}

func TestResolveWithTargets(t *testing.T) {
	s, err := ResolveWithTargets("GTS", []string{"pm25"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pm25"}, s.Targets)

	_, err = ResolveWithTargets("GTS", nil)
	assert.True(t, eris.Is(err, model.ErrConfiguration))
}
