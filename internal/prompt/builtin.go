package prompt

// Template names.
const (
	BugCheck      = "bug_check"
	FixSuggestion = "fix_suggestion"
	FixCode       = "fix_code"
	Report        = "report"
	TestCase      = "test_case"
)

// Names lists the template names in the order the pipeline uses them.
var Names = []string{BugCheck, FixSuggestion, FixCode, Report, TestCase}

const bugCheckSystem = `You are an expert software developer with experience in C, C++, Python, and Java. Identify bugs in the given code and explain them.
For each bug found:
1. Clearly describe the issue
2. Explain why it's problematic
3. Provide the exact location in the code
Format your response with clear headings for each bug.`

const bugCheckHuman = `Code:
{{code}}`

const fixSuggestionSystem = `You are a skilled software engineer. Suggest fixes for the identified bugs.
For each bug:
1. Restate the issue briefly
2. Provide the exact fix needed
3. Explain why this solution works
Organize your response to match the bug report structure.`

const fixSuggestionHuman = `Code:
{{code}}
Bugs:
{{bugs}}`

const fixCodeSystem = `You are a skilled software developer proficient in C, C++, Python, and Java. Generate a corrected version of the code with all suggested fixes applied.
Include:
1. The complete fixed code
2. Comments explaining the changes
3. All original functionality preserved
Only output the complete code with no additional commentary.`

const fixCodeHuman = `Original Code:
{{code}}
Bugs and Fixes:
{{bugs}}`

const reportSystem = `You are a software analyst. Generate a concise report on the identified bugs and fixes.
Structure your report with:
1. Summary of issues found
2. Detailed explanation of each fix
3. Impact assessment
4. Alternative solutions considered
Keep it professional and to the point.`

const reportHuman = `Bugs:
{{bugs}}
Fixed Code:
{{fixed_code}}`

const testCaseSystem = `You are a software tester. Generate relevant test cases to verify the correctness of the fixed code.
Include:
1. Normal case tests
2. Edge case tests
3. Error case tests
4. Brief comments explaining each test
{{#if language}}Format as executable {{language}} code with assertions.{{/if}}`

const testCaseHuman = `Fixed Code:
{{fixed_code}}
Original Bugs:
{{bugs}}`

// Set is the five templates the pipeline renders.
type Set struct {
	templates map[string]Template
}

// Builtin returns the default template set.
func Builtin() Set {
	return Set{templates: map[string]Template{
		BugCheck: {
			Name:     BugCheck,
			System:   bugCheckSystem,
			Human:    bugCheckHuman,
			Required: []string{"code"},
		},
		FixSuggestion: {
			Name:     FixSuggestion,
			System:   fixSuggestionSystem,
			Human:    fixSuggestionHuman,
			Required: []string{"code", "bugs"},
		},
		FixCode: {
			Name:     FixCode,
			System:   fixCodeSystem,
			Human:    fixCodeHuman,
			Required: []string{"code", "bugs"},
		},
		Report: {
			Name:     Report,
			System:   reportSystem,
			Human:    reportHuman,
			Required: []string{"bugs", "fixed_code"},
		},
		TestCase: {
			Name:     TestCase,
			System:   testCaseSystem,
			Human:    testCaseHuman,
			Required: []string{"fixed_code", "bugs"},
		},
	}}
}

// Get returns the named template.
func (s Set) Get(name string) (Template, bool) {
	t, ok := s.templates[name]
	return t, ok
}

// Render renders the named template.
func (s Set) Render(name string, vars Vars) ([]Message, error) {
	t, ok := s.templates[name]
	if !ok {
		return nil, &MissingTemplateError{Name: name}
	}
	return t.Render(vars)
}

// with returns a copy of s with t replacing the template of the same name.
func (s Set) with(t Template) Set {
	m := make(map[string]Template, len(s.templates))
	for k, v := range s.templates {
		m[k] = v
	}
	m[t.Name] = t
	return Set{templates: m}
}

// MissingTemplateError is returned when a set has no template by that name.
type MissingTemplateError struct {
	Name string
}

func (e *MissingTemplateError) Error() string {
	return "unknown prompt template: " + e.Name
}
