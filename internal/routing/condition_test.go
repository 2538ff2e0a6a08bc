package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateCondition(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"single equals",
			`$[?(@.org_name = 'my_org')]`,
			`$[?(@.org_name == "my_org")]`,
		},
		{
			"double equals passes through",
			`$[?(@.org_name == "my_org")]`,
			`$[?(@.org_name == "my_org")]`,
		},
		{
			"not equals",
			`$[?(@.message.channel != '/topic/T')]`,
			`$[?(@.message.channel != "/topic/T")]`,
		},
		{
			"single ampersand",
			`$[?(@.a = 1 & @.b = 2)]`,
			`$[?(@.a == 1 && @.b == 2)]`,
		},
		{
			"double ampersand passes through",
			`$[?(@.a == 1 && @.b == 2)]`,
			`$[?(@.a == 1 && @.b == 2)]`,
		},
		{
			"single pipe",
			`$[?(@.a = 1 | @.b = 2)]`,
			`$[?(@.a == 1 || @.b == 2)]`,
		},
		{
			"comparison operators keep their equals sign",
			`$[?(@.a <= 3 & @.b >= 4)]`,
			`$[?(@.a <= 3 && @.b >= 4)]`,
		},
		{
			"regex literal",
			`$[?(@.name ~ /^inv.*/)]`,
			`$[?(@.name =~ "^inv.*")]`,
		},
		{
			"regex literal with flags",
			`$[?(@.name ~ /^inv.*/i)]`,
			`$[?(@.name =~ "(?i)^inv.*")]`,
		},
		{
			"regex with escaped slash",
			`$[?(@.channel ~ /^\/topic\//)]`,
			`$[?(@.channel =~ "^/topic/")]`,
		},
		{
			"operator characters inside strings are preserved",
			`$[?(@.note = 'a & b | c = d')]`,
			`$[?(@.note == "a & b | c = d")]`,
		},
		{
			"escaped single quote",
			`$[?(@.name = 'it\'s')]`,
			`$[?(@.name == "it's")]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := translateCondition(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTranslateConditionErrors(t *testing.T) {
	for _, cond := range []string{
		`$[?(@.a = 'unterminated)]`,
		`$[?(@.a = "unterminated)]`,
		`$[?(@.a ~ /unterminated)]`,
		`$[?(@.a ~ 42)]`,
		`$[?(@.a ~ )]`,
	} {
		_, err := translateCondition(cond)
		require.Error(t, err, cond)
	}
}
