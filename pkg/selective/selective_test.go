package selective

import (
	"testing"

	"entanglement/pkg/models"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	testCases := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{"exact file", "/a.txt", "/a.txt", true},
		{"exact mismatch", "/a.txt", "/b.txt", false},
		{"literal prefix covers subtree", "/photos/", "/photos/2024/img.jpg", true},
		{"literal prefix matches the dir itself", "/photos/", "/photos", true},
		{"literal file prefix stops at segment", "/photos", "/photos-old/img.jpg", false},
		{"file prefix covers children", "/photos", "/photos/img.jpg", true},
		{"star within segment", "/docs/*.txt", "/docs/a.txt", true},
		{"star does not cross slash", "/docs/*.txt", "/docs/sub/a.txt", false},
		{"star empty run", "/docs/*.txt", "/docs/.txt", true},
		{"double star crosses slash", "/docs/**.txt", "/docs/sub/deep/a.txt", true},
		{"double star any suffix", "/tmp/**", "/tmp/cache/obj.bin", true},
		{"double star empty", "/tmp/**", "/tmp/", true},
		{"mid-pattern double star", "/a/**/z.txt", "/a/b/c/z.txt", true},
		{"mid-pattern double star no match", "/a/**/z.txt", "/a/b/c/y.txt", false},
		{"empty pattern never matches", "", "/a.txt", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Match(tc.pattern, tc.path))
		})
	}
}

func TestMatchesDefaultInclude(t *testing.T) {
	assert.True(t, Matches("/anything.txt", nil))
	assert.True(t, Matches("/anything.txt", []models.SyncRule{
		{Kind: models.RuleExclude, Pattern: "/other/**", Priority: 1, IsActive: true},
	}))
}

func TestMatchesFirstMatchWins(t *testing.T) {
	rules := []models.SyncRule{
		{Kind: models.RuleExclude, Pattern: "/tmp/**", Priority: 1, IsActive: true},
		{Kind: models.RuleInclude, Pattern: "/tmp/keep/**", Priority: 10, IsActive: true},
	}

	assert.True(t, Matches("/tmp/keep/a.txt", rules), "higher priority include wins")
	assert.False(t, Matches("/tmp/cache/a.txt", rules))
	assert.True(t, Matches("/docs/a.txt", rules), "unmatched defaults to include")
}

func TestMatchesOrdersByPriority(t *testing.T) {
	// Rules arrive unsorted; evaluation must still be by descending
	// priority.
	rules := []models.SyncRule{
		{Kind: models.RuleExclude, Pattern: "**", Priority: 1, IsActive: true},
		{Kind: models.RuleInclude, Pattern: "/docs/**", Priority: 5, IsActive: true},
	}
	assert.True(t, Matches("/docs/a.txt", rules))
	assert.False(t, Matches("/other.txt", rules))
}

func TestMatchesSkipsInactive(t *testing.T) {
	rules := []models.SyncRule{
		{Kind: models.RuleExclude, Pattern: "/tmp/**", Priority: 10, IsActive: false},
	}
	assert.True(t, Matches("/tmp/a.txt", rules))
}

func TestMatchesDeterministic(t *testing.T) {
	rules := []models.SyncRule{
		{Kind: models.RuleExclude, Pattern: "/a/**", Priority: 3, IsActive: true},
		{Kind: models.RuleInclude, Pattern: "/a/b/**", Priority: 3, IsActive: true},
	}
	first := Matches("/a/b/c.txt", rules)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Matches("/a/b/c.txt", rules))
	}
}
