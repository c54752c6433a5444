package aggregate

import (
	"strings"

	"github.com/danpilch/hotprof/pkg/stacks"
)

// OtherCategory receives samples that match no category pattern.
const OtherCategory = "Other"

// Category maps a frame substring to a component name.
type Category struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Name    string `yaml:"name" json:"name"`
}

// DefaultCategories is the component table for Ktor benchmark profiles.
// Order matters: earlier entries win for frames matching several patterns.
func DefaultCategories() []Category {
	return []Category{
		{Pattern: "io/ktor/server", Name: "Ktor Server"},
		{Pattern: "io/ktor/client", Name: "Ktor Client"},
		{Pattern: "io/ktor/http", Name: "Ktor HTTP"},
		{Pattern: "io/ktor/utils", Name: "Ktor Utils"},
		{Pattern: "io/netty", Name: "Netty"},
		{Pattern: "kotlinx/coroutines", Name: "Kotlinx Coroutines"},
		{Pattern: "org/apache/hc", Name: "Apache HttpClient"},
		{Pattern: "java/", Name: "JDK"},
		{Pattern: "sun/", Name: "JDK Internal"},
		{Pattern: "kotlin/", Name: "Kotlin Stdlib"},
	}
}

// Breakdown attributes each sample's full weight to one category.
//
// Frames are scanned root to leaf and, for each frame, categories are tried
// in order; the first hit decides. Include/exclude filters do not apply.
func Breakdown(corpus *stacks.Corpus, categories []Category) Result {
	result := make(Result)
	if corpus == nil {
		return result
	}

	for _, s := range corpus.Samples {
		result[categorize(s.Frames, categories)] += s.Weight
	}
	return result
}

func categorize(frames []string, categories []Category) string {
	for _, frame := range frames {
		for _, c := range categories {
			if strings.Contains(frame, c.Pattern) {
				return c.Name
			}
		}
	}
	return OtherCategory
}
