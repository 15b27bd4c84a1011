// Copyright 2025 ModelGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package routing

import (
	"strings"
)

// Complexity classifies how demanding a request looks.
type Complexity string

const (
	ComplexitySimple      Complexity = "simple"
	ComplexityMedium      Complexity = "medium"
	ComplexityComplex     Complexity = "complex"
	ComplexityVeryComplex Complexity = "very_complex"
)

// Features summarize a request for task-match scoring.
type Features struct {
	// ContainsCode is true when the content looks like a programming task.
	ContainsCode bool `json:"contains_code"`

	// ContainsMath is true when the content looks like a math task.
	ContainsMath bool `json:"contains_math"`

	// Creative is true when the content asks for creative writing.
	Creative bool `json:"creative"`

	// Complexity is the estimated difficulty class.
	Complexity Complexity `json:"complexity"`

	// NormalizedLength is content length scaled to [0,1] at 10K chars.
	NormalizedLength float64 `json:"normalized_length"`
}

var codeIndicators = []string{
	"```", "def ", "function", "class ", "import ", "return ",
	"code", "debug", "compile", "refactor", "implement", "algorithm",
	"python", "javascript", "golang", "java ", "sql",
}

var mathIndicators = []string{
	"calculate", "equation", "solve", "integral", "derivative",
	"probability", "theorem", "math", "arithmetic", "sum of",
	"percentage", "average",
}

var creativeIndicators = []string{
	"story", "poem", "creative", "imagine", "fiction",
	"write a song", "brainstorm", "slogan", "narrative",
}

var complexIndicators = []string{
	"analyze", "compare", "architecture", "design a", "comprehensive",
	"step by step", "in depth", "trade-off", "tradeoff", "evaluate",
}

var simpleIndicators = []string{
	"what is", "who is", "define", "translate", "when did",
	"yes or no", "list the",
}

// ExtractFeatures derives routing features from request content.
func ExtractFeatures(content string) Features {
	lower := strings.ToLower(content)

	f := Features{
		ContainsCode: containsAny(lower, codeIndicators),
		ContainsMath: containsAny(lower, mathIndicators),
		Creative:     containsAny(lower, creativeIndicators),
	}

	f.Complexity = classifyComplexity(lower)

	f.NormalizedLength = float64(len(content)) / 10000.0
	if f.NormalizedLength > 1.0 {
		f.NormalizedLength = 1.0
	}

	return f
}

func classifyComplexity(lower string) Complexity {
	complexHits := countAny(lower, complexIndicators)
	simpleHits := countAny(lower, simpleIndicators)

	switch {
	case complexHits >= 2 || len(lower) > 4000:
		return ComplexityVeryComplex
	case complexHits == 1 || len(lower) > 1500:
		return ComplexityComplex
	case simpleHits > 0 && len(lower) < 200:
		return ComplexitySimple
	default:
		return ComplexityMedium
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func countAny(s string, needles []string) int {
	count := 0
	for _, n := range needles {
		if strings.Contains(s, n) {
			count++
		}
	}
	return count
}
