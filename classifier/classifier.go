// Package classifier assigns a spend category to OCR text with a TF-IDF + Naive Bayes
// model stored as two JSON artifacts. Without artifacts it answers the default category.
package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCategory = "Khác"

	VectorizerFile = "vectorizer.json"
	ClassifierFile = "classifier.json"
)

var Categories = []string{
	"Điện", "Nước", "Internet", "Điện thoại", "Xăng dầu",
	"Văn phòng phẩm", "Thiết bị", "Dịch vụ", DefaultCategory,
}

// Reason codes.
const (
	ReasonModel      = "model"
	ReasonUntrained  = "model_not_trained"
	ReasonModelError = "model_error"
)

var ErrEmptyTrainingData = errors.New("training data is empty")

type Pair struct {
	Text     string `json:"text" validate:"required"`
	Category string `json:"category" validate:"required,max=100"`
}

type Result struct {
	Category   string   `json:"category"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason"`
	Message    string   `json:"message"`
	Keywords   []string `json:"keywords,omitempty"`
	Fallback   bool     `json:"fallback"`
}

type TrainReport struct {
	Version  string   `json:"version"`
	Samples  int      `json:"samples"`
	Classes  []string `json:"classes"`
	Features int      `json:"features"`
	Accuracy float64  `json:"accuracy"`
	Path     string   `json:"path"`
}

type model struct {
	vec *vectorizer
	nb  *naiveBayes
}

// Classifier is safe for concurrent use. Readers see either the previous model or the
// newly trained one, never a mix.
type Classifier struct {
	Dir         string
	MaxFeatures int
	Logger      *logrus.Logger

	// RecheckInterval is how long a missing or unreadable model is remembered before
	// the artifacts are read again.
	RecheckInterval time.Duration
	Now             func() time.Time

	current  atomic.Pointer[model]
	loadMu   sync.Mutex
	missedAt time.Time
	trainMu  sync.Mutex
	validate *validator.Validate
}

func New(dir string, logger *logrus.Logger) *Classifier {
	if strings.TrimSpace(dir) == "" {
		dir = "ai_models"
	}
	return &Classifier{
		Dir:             dir,
		MaxFeatures:     defaultMaxFeatures,
		Logger:          logger,
		RecheckInterval: time.Minute,
		validate:        validator.New(),
	}
}

func (c *Classifier) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func fallbackResult(reason, message string) Result {
	return Result{Category: DefaultCategory, Confidence: 0, Reason: reason, Message: message, Fallback: true}
}

// Classify never fails: any problem turns into the default category with zero confidence.
func (c *Classifier) Classify(text string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = fallbackResult(ReasonModelError, fmt.Sprintf("%v", r))
		}
	}()

	m := c.loaded()
	if m == nil {
		return fallbackResult(ReasonUntrained, "model not trained")
	}

	category, proba := m.nb.predict(m.vec.transform(text))
	if category == "" {
		return fallbackResult(ReasonModelError, "model has no classes")
	}
	kw := Keywords(text)
	return Result{
		Category:   category,
		Confidence: proba,
		Reason:     ReasonModel,
		Message:    "keywords: " + strings.Join(kw, ", "),
		Keywords:   kw,
	}
}

// Loaded reports whether a trained model is available.
func (c *Classifier) Loaded() bool {
	return c.loaded() != nil
}

func (c *Classifier) loaded() *model {
	if m := c.current.Load(); m != nil {
		return m
	}
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if m := c.current.Load(); m != nil {
		return m
	}
	if !c.missedAt.IsZero() && c.now().Sub(c.missedAt) < c.RecheckInterval {
		return nil
	}
	m, err := c.readArtifacts()
	if err != nil {
		c.missedAt = c.now()
		if !errors.Is(err, fs.ErrNotExist) && c.Logger != nil {
			c.Logger.WithFields(logrus.Fields{
				"field": "Classifier",
				"dir":   c.Dir,
			}).Error("load model artifacts: " + err.Error())
		}
		return nil
	}
	c.missedAt = time.Time{}
	c.current.Store(m)
	return m
}

func (c *Classifier) readArtifacts() (*model, error) {
	var vec vectorizer
	if err := readJSON(filepath.Join(c.Dir, VectorizerFile), &vec); err != nil {
		return nil, err
	}
	var nb naiveBayes
	if err := readJSON(filepath.Join(c.Dir, ClassifierFile), &nb); err != nil {
		return nil, err
	}
	if vec.Version != nb.Version {
		return nil, fmt.Errorf("artifact versions differ: vectorizer %s, classifier %s", vec.Version, nb.Version)
	}
	if len(nb.Classes) == 0 || len(nb.FeatureLogProb) != len(nb.Classes) {
		return nil, errors.New("classifier artifact is malformed")
	}
	return &model{vec: &vec, nb: &nb}, nil
}

// Train fits a new model, writes both artifacts and then swaps the in-memory model.
// Re-training replaces the previous artifacts.
func (c *Classifier) Train(pairs []Pair) (TrainReport, error) {
	if len(pairs) == 0 {
		return TrainReport{}, ErrEmptyTrainingData
	}
	for i := range pairs {
		if err := c.validate.Struct(pairs[i]); err != nil {
			return TrainReport{}, fmt.Errorf("training pair %d: %w", i, err)
		}
	}

	c.trainMu.Lock()
	defer c.trainMu.Unlock()

	version := uuid.NewString()
	docs := make([]string, len(pairs))
	labels := make([]string, len(pairs))
	for i, p := range pairs {
		docs[i] = p.Text
		labels[i] = strings.TrimSpace(p.Category)
	}

	vec := fitVectorizer(docs, c.MaxFeatures, version)
	vectors := make([]map[int]float64, len(docs))
	for i, d := range docs {
		vectors[i] = vec.transform(d)
	}
	nb := fitNaiveBayes(vectors, labels, len(vec.IDF), version)

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return TrainReport{}, err
	}
	if err := writeJSONAtomic(filepath.Join(c.Dir, VectorizerFile), vec); err != nil {
		return TrainReport{}, err
	}
	if err := writeJSONAtomic(filepath.Join(c.Dir, ClassifierFile), nb); err != nil {
		return TrainReport{}, err
	}
	c.loadMu.Lock()
	c.missedAt = time.Time{}
	c.current.Store(&model{vec: vec, nb: nb})
	c.loadMu.Unlock()

	correct := 0
	for i, v := range vectors {
		if got, _ := nb.predict(v); got == labels[i] {
			correct++
		}
	}
	report := TrainReport{
		Version:  version,
		Samples:  len(pairs),
		Classes:  nb.Classes,
		Features: len(vec.IDF),
		Accuracy: float64(correct) / float64(len(pairs)),
		Path:     filepath.Join(c.Dir, ClassifierFile),
	}
	if c.Logger != nil {
		c.Logger.WithFields(logrus.Fields{
			"field":    "Classifier",
			"version":  version,
			"samples":  report.Samples,
			"features": report.Features,
		}).Info("classifier trained")
	}
	return report, nil
}

var keywordGroups = []struct {
	label string
	words []string
}{
	{"điện", []string{"điện", "electric", "evn", "đèn"}},
	{"nước", []string{"nước", "water", "cấp nước"}},
	{"internet", []string{"internet", "wifi", "mạng", "fpt", "viettel"}},
}

// Keywords lists up to three keyword groups found in text.
func Keywords(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, g := range keywordGroups {
		for _, w := range g.words {
			if strings.Contains(lower, w) {
				out = append(out, g.label)
				break
			}
		}
	}
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

func readJSON(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// writeJSONAtomic writes to a temp file in the same directory and renames it over path.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
