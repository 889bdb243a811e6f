package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestParseVerbs covers the three verbs with and without conditions and the
// recorded source line numbers.
func TestParseVerbs(t *testing.T) {
	rules, err := Parse("require :authenticated\nallow role:admin\ndeny")
	require.NoError(t, err)
	require.Len(t, rules, 3)

	require.Equal(t, VerbRequire, rules[0].Verb)
	require.Equal(t, &FlagExpr{Name: "authenticated"}, rules[0].Cond)
	require.Equal(t, 1, rules[0].Line)

	require.Equal(t, VerbAllow, rules[1].Verb)
	require.Equal(t, &RoleExpr{Name: "admin"}, rules[1].Cond)
	require.Equal(t, 2, rules[1].Line)

	require.Equal(t, VerbDeny, rules[2].Verb)
	require.Nil(t, rules[2].Cond)
	require.Equal(t, 3, rules[2].Line)
}

// TestParseCommentsAndBlankLines checks that comments and empty lines are
// skipped while line numbers keep pointing at the original source.
func TestParseCommentsAndBlankLines(t *testing.T) {
	src := "# api access policy\n\nrequire :authenticated  # must be signed in\n\nallow\n"
	rules, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, 3, rules[0].Line)
	require.Equal(t, 5, rules[1].Line)
}

// TestParseComparisons exercises every comparison operator.
func TestParseComparisons(t *testing.T) {
	cases := []struct {
		src string
		op  CompareOp
	}{
		{"allow resource.size == 10", CmpEq},
		{"allow resource.size != 10", CmpNeq},
		{"allow resource.size > 10", CmpGt},
		{"allow resource.size >= 10", CmpGte},
		{"allow resource.size < 10", CmpLt},
		{"allow resource.size <= 10", CmpLte},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			rules, err := Parse(tc.src)
			require.NoError(t, err)

			cmp, ok := rules[0].Cond.(*CompareExpr)
			require.True(t, ok)
			require.Equal(t, Path{Root: "resource", Segs: []string{"size"}}, cmp.Path)
			require.Equal(t, tc.op, cmp.Op)
			require.Equal(t, Literal{Kind: LitNumber, Num: 10}, cmp.Right)
		})
	}
}

// TestParseLiterals covers strings in both quote styles with escapes,
// negative and decimal numbers, booleans, and path literals.
func TestParseLiterals(t *testing.T) {
	t.Run("double quoted string with escape", func(t *testing.T) {
		rules, err := Parse(`allow context.name == "O'Brien \"the second\""`)
		require.NoError(t, err)
		cmp := rules[0].Cond.(*CompareExpr)
		require.Equal(t, Literal{Kind: LitString, Str: `O'Brien "the second"`}, cmp.Right)
	})

	t.Run("single quoted string", func(t *testing.T) {
		rules, err := Parse(`allow context.greeting == 'say "hi"'`)
		require.NoError(t, err)
		cmp := rules[0].Cond.(*CompareExpr)
		require.Equal(t, Literal{Kind: LitString, Str: `say "hi"`}, cmp.Right)
	})

	t.Run("negative decimal number", func(t *testing.T) {
		rules, err := Parse("allow environment.temp > -3.5")
		require.NoError(t, err)
		cmp := rules[0].Cond.(*CompareExpr)
		require.Equal(t, Literal{Kind: LitNumber, Num: -3.5}, cmp.Right)
	})

	t.Run("booleans", func(t *testing.T) {
		rules, err := Parse("deny context.suspended == true\ndeny context.verified == false")
		require.NoError(t, err)
		require.Equal(t, Literal{Kind: LitBool, Bool: true}, rules[0].Cond.(*CompareExpr).Right)
		require.Equal(t, Literal{Kind: LitBool, Bool: false}, rules[1].Cond.(*CompareExpr).Right)
	})

	t.Run("path literal compares two input fields", func(t *testing.T) {
		rules, err := Parse("allow resource.owner == context.user_id")
		require.NoError(t, err)
		cmp := rules[0].Cond.(*CompareExpr)
		require.Equal(t, LitPath, cmp.Right.Kind)
		require.Equal(t, Path{Root: "context", Segs: []string{"user_id"}}, cmp.Right.Path)
	})
}

// TestParseInList checks membership lists with mixed literal kinds.
func TestParseInList(t *testing.T) {
	rules, err := Parse(`allow action in ["read", "list", 3, true]`)
	require.NoError(t, err)

	in, ok := rules[0].Cond.(*InExpr)
	require.True(t, ok)
	require.Equal(t, Path{Root: "action"}, in.Path)
	require.Len(t, in.List, 4)
	require.Equal(t, Literal{Kind: LitString, Str: "read"}, in.List[0])
	require.Equal(t, Literal{Kind: LitNumber, Num: 3}, in.List[2])
	require.Equal(t, Literal{Kind: LitBool, Bool: true}, in.List[3])
}

// TestParseChecks covers present and blank checks over nested paths.
func TestParseChecks(t *testing.T) {
	rules, err := Parse("require present(context.user_id)\ndeny blank(resource.meta.owner)")
	require.NoError(t, err)

	p := rules[0].Cond.(*CheckExpr)
	require.Equal(t, CheckPresent, p.Fn)
	require.Equal(t, Path{Root: "context", Segs: []string{"user_id"}}, p.Path)

	b := rules[1].Cond.(*CheckExpr)
	require.Equal(t, CheckBlank, b.Fn)
	require.Equal(t, Path{Root: "resource", Segs: []string{"meta", "owner"}}, b.Path)
}

// TestParsePrecedence pins down operator binding: not binds tightest, then
// and, then or; parentheses override.
func TestParsePrecedence(t *testing.T) {
	t.Run("and binds tighter than or", func(t *testing.T) {
		rules, err := Parse("allow :a or :b and :c")
		require.NoError(t, err)

		or, ok := rules[0].Cond.(*BinaryExpr)
		require.True(t, ok)
		require.Equal(t, OpOr, or.Op)
		require.Equal(t, &FlagExpr{Name: "a"}, or.Left)

		and, ok := or.Right.(*BinaryExpr)
		require.True(t, ok)
		require.Equal(t, OpAnd, and.Op)
		require.Equal(t, &FlagExpr{Name: "b"}, and.Left)
		require.Equal(t, &FlagExpr{Name: "c"}, and.Right)
	})

	t.Run("parentheses group the or", func(t *testing.T) {
		rules, err := Parse("allow (:a or :b) and :c")
		require.NoError(t, err)

		and, ok := rules[0].Cond.(*BinaryExpr)
		require.True(t, ok)
		require.Equal(t, OpAnd, and.Op)

		or, ok := and.Left.(*BinaryExpr)
		require.True(t, ok)
		require.Equal(t, OpOr, or.Op)
	})

	t.Run("not applies to the nearest primary", func(t *testing.T) {
		rules, err := Parse("allow not :a and :b")
		require.NoError(t, err)

		and, ok := rules[0].Cond.(*BinaryExpr)
		require.True(t, ok)
		require.Equal(t, OpAnd, and.Op)
		require.Equal(t, &NotExpr{X: &FlagExpr{Name: "a"}}, and.Left)
		require.Equal(t, &FlagExpr{Name: "b"}, and.Right)
	})
}

// TestParseErrors checks each malformed input is rejected with a parse
// error naming the offending line.
func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
	}{
		{"unknown verb", "grant :x"},
		{"trailing tokens", "allow :x :y"},
		{"unterminated string", `allow context.name == "oops`},
		{"single equals", "allow context.count = 3"},
		{"unknown path root", "allow widget.size == 3"},
		{"unclosed parenthesis", "allow (:a"},
		{"empty membership list", "allow action in ["},
		{"missing literal", "allow context.count =="},
		{"missing role name", "allow role:"},
		{"bare path without operator", "allow context.count"},
		{"malformed number", "deny context.v == 1.2.3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.src)
			require.ErrorIs(t, err, ErrParse)
			require.Contains(t, err.Error(), "line 1")
		})
	}

	t.Run("empty policy", func(t *testing.T) {
		_, err := Parse("# nothing but comments\n\n")
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("error names the failing line", func(t *testing.T) {
		_, err := Parse("allow\nallow\ndeny context.x >")
		require.ErrorIs(t, err, ErrParse)
		require.Contains(t, err.Error(), "line 3")
	})
}

// TestParseNestingLimit pins the recursion bound for parenthesized groups.
func TestParseNestingLimit(t *testing.T) {
	nest := func(n int) string {
		return "allow " + strings.Repeat("(", n) + ":ok" + strings.Repeat(")", n)
	}

	_, err := Parse(nest(24))
	require.NoError(t, err)

	_, err = Parse(nest(25))
	require.ErrorIs(t, err, ErrRecursionLimit)
}
