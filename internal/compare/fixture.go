package compare

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// #region fixture-types

// QuestionSet is the JSON file a comparison run reads.
type QuestionSet struct {
	Description string     `json:"description"`
	Versions    []string   `json:"versions"`
	Questions   []Question `json:"questions"`
}

// Question is one question asked under every template version.
type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// #endregion fixture-types

// #region fixture-loader

// DefaultQuestions mixes answerable tech-news questions with one the corpus
// cannot answer, so refusal handling shows up in the comparison.
func DefaultQuestions() QuestionSet {
	return QuestionSet{
		Description: "built-in v1 vs v2 comparison",
		Versions:    []string{"v1", "v2"},
		Questions: []Question{
			{ID: "q1", Text: "How much money has Meta lost on the metaverse?"},
			{ID: "q2", Text: "What is Microsoft doing about AI-generated content?"},
			{ID: "q3", Text: "What is the capital of France?"},
			{ID: "q4", Text: "Any news about layoffs in tech?"},
			{ID: "q5", Text: "What is happening with autonomous submarines?"},
		},
	}
}

// LoadQuestions reads and validates a JSON question set. Missing versions
// default to v1 and v2; missing ids are numbered.
func LoadQuestions(path string) (*QuestionSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read questions %s: %w", path, err)
	}
	var qs QuestionSet
	if err := json.Unmarshal(data, &qs); err != nil {
		return nil, fmt.Errorf("parse questions %s: %w", path, err)
	}
	if len(qs.Questions) == 0 {
		return nil, fmt.Errorf("questions %s: no questions", path)
	}
	if len(qs.Versions) == 0 {
		qs.Versions = DefaultQuestions().Versions
	}
	for i := range qs.Questions {
		q := &qs.Questions[i]
		q.Text = strings.TrimSpace(q.Text)
		if q.Text == "" {
			return nil, fmt.Errorf("questions %s: question %d is empty", path, i+1)
		}
		if q.ID == "" {
			q.ID = fmt.Sprintf("q%d", i+1)
		}
	}
	return &qs, nil
}

// #endregion fixture-loader
