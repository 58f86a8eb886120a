package retrieval

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Dataset file names inside a knowledge directory.
const (
	DatasetFile     = "dataset.csv"
	DescriptionFile = "symptom_Description.csv"
	PrecautionFile  = "symptom_precaution.csv"
	SeverityFile    = "Symptom-severity.csv"
)

// Disease is one entry of the knowledge base.
type Disease struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Symptoms    []string `json:"symptoms"`
	Precautions []string `json:"precautions,omitempty"`
}

// KnowledgeBase holds diseases, their symptoms and precautions, and symptom
// severity weights. It is read-only after construction.
type KnowledgeBase struct {
	diseases map[string]*Disease // keyed by lower-case name
	order    []string
	severity map[string]int
}

// NormalizeSymptom maps a symptom to its canonical key: lower case,
// trimmed, words joined by underscores ("Skin Rash" -> "skin_rash").
func NormalizeSymptom(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "_", " ")), "_")
}

// NewKnowledgeBase builds a knowledge base from diseases and optional
// severity weights keyed by symptom.
func NewKnowledgeBase(diseases []Disease, severity map[string]int) *KnowledgeBase {
	kb := &KnowledgeBase{
		diseases: make(map[string]*Disease),
		severity: make(map[string]int),
	}
	for _, d := range diseases {
		entry := kb.entry(d.Name)
		if d.Description != "" {
			entry.Description = d.Description
		}
		for _, s := range d.Symptoms {
			entry.addSymptom(s)
		}
		entry.Precautions = append(entry.Precautions, d.Precautions...)
	}
	for s, w := range severity {
		kb.severity[NormalizeSymptom(s)] = w
	}
	return kb
}

func (kb *KnowledgeBase) entry(name string) *Disease {
	name = strings.TrimSpace(name)
	key := strings.ToLower(name)
	if d, ok := kb.diseases[key]; ok {
		return d
	}
	d := &Disease{Name: name}
	kb.diseases[key] = d
	kb.order = append(kb.order, key)
	return d
}

func (d *Disease) addSymptom(s string) {
	s = NormalizeSymptom(s)
	if s == "" {
		return
	}
	for _, existing := range d.Symptoms {
		if existing == s {
			return
		}
	}
	d.Symptoms = append(d.Symptoms, s)
}

// LoadKnowledgeBase reads the symptom datasets from dir. dataset.csv is
// required; description, precaution and severity files are optional.
func LoadKnowledgeBase(dir string) (*KnowledgeBase, error) {
	kb := NewKnowledgeBase(nil, nil)

	rows, err := readCSV(filepath.Join(dir, DatasetFile))
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		d := kb.entry(row[0])
		for _, s := range row[1:] {
			d.addSymptom(s)
		}
	}

	rows, err = readOptionalCSV(filepath.Join(dir, DescriptionFile))
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if len(row) >= 2 {
			kb.entry(row[0]).Description = strings.TrimSpace(row[1])
		}
	}

	rows, err = readOptionalCSV(filepath.Join(dir, PrecautionFile))
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		d := kb.entry(row[0])
		for _, p := range row[1:] {
			if p = strings.TrimSpace(p); p != "" {
				d.Precautions = append(d.Precautions, p)
			}
		}
	}

	rows, err = readOptionalCSV(filepath.Join(dir, SeverityFile))
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		w, err := strconv.Atoi(strings.TrimSpace(row[1]))
		if err != nil {
			return nil, fmt.Errorf("%s: bad weight for %q: %w", SeverityFile, row[0], err)
		}
		kb.severity[NormalizeSymptom(row[0])] = w
	}

	return kb, nil
}

// readCSV returns the data rows of a CSV file, skipping the header row.
func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var rows [][]string
	header := true
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		if header {
			header = false
			continue
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

func readOptionalCSV(path string) ([][]string, error) {
	rows, err := readCSV(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return rows, err
}

// Disease looks a disease up by name, ignoring case.
func (kb *KnowledgeBase) Disease(name string) (Disease, bool) {
	d, ok := kb.diseases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Disease{}, false
	}
	return *d, true
}

// Diseases returns every disease in load order.
func (kb *KnowledgeBase) Diseases() []Disease {
	out := make([]Disease, 0, len(kb.order))
	for _, key := range kb.order {
		out = append(out, *kb.diseases[key])
	}
	return out
}

// Vocabulary returns the sorted set of known symptoms.
func (kb *KnowledgeBase) Vocabulary() []string {
	seen := make(map[string]bool)
	for _, d := range kb.diseases {
		for _, s := range d.Symptoms {
			seen[s] = true
		}
	}
	vocab := make([]string, 0, len(seen))
	for s := range seen {
		vocab = append(vocab, s)
	}
	sort.Strings(vocab)
	return vocab
}

// Weight returns the severity weight of symptom, 1 when unknown.
func (kb *KnowledgeBase) Weight(symptom string) int {
	if w, ok := kb.severity[NormalizeSymptom(symptom)]; ok && w > 0 {
		return w
	}
	return 1
}

// Documents renders the knowledge base as retrievable passages: one
// description, one symptom list and one precaution list per disease.
func (kb *KnowledgeBase) Documents() []Document {
	var docs []Document
	for _, key := range kb.order {
		d := kb.diseases[key]
		if d.Description != "" {
			docs = append(docs, Document{
				Content:  fmt.Sprintf("Disease: %s\nDescription: %s", d.Name, d.Description),
				Metadata: map[string]string{"source": "description", "disease": d.Name},
			})
		}
		if len(d.Symptoms) > 0 {
			docs = append(docs, Document{
				Content:  fmt.Sprintf("Disease: %s\nSymptoms: %s", d.Name, strings.Join(d.Symptoms, ", ")),
				Metadata: map[string]string{"source": "dataset", "disease": d.Name},
			})
		}
		if len(d.Precautions) > 0 {
			docs = append(docs, Document{
				Content:  fmt.Sprintf("Disease: %s\nPrecautions: %s", d.Name, strings.Join(d.Precautions, ", ")),
				Metadata: map[string]string{"source": "precaution", "disease": d.Name},
			})
		}
	}
	return docs
}
