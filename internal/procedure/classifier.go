package procedure

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sylasdev/sylas/internal/common/logger"
	"github.com/sylasdev/sylas/internal/runner"
)

// classifyTimeout bounds the classifier runner; routing must stay cheap.
const classifyTimeout = 10 * time.Second

// Classifier routes a request text to one label from the known set.
type Classifier interface {
	Classify(ctx context.Context, request string) (string, error)
}

// RunnerClassifier asks a single-turn agent runner to pick the label.
type RunnerClassifier struct {
	runnerType runner.Type
	model      string
	workDir    string
	logger     *logger.Logger
}

// NewRunnerClassifier builds a classifier backed by the given runner type.
func NewRunnerClassifier(t runner.Type, model, workDir string, log *logger.Logger) *RunnerClassifier {
	return &RunnerClassifier{
		runnerType: t,
		model:      model,
		workDir:    workDir,
		logger:     log.WithFields(zap.String("component", "classifier")),
	}
}

func classifierPrompt(request string) string {
	labels := make([]string, 0, len(labelProcedures))
	for label := range labelProcedures {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return fmt.Sprintf(
		"Classify the following request into exactly one of these categories: %s.\n"+
			"Respond with only the category word, nothing else.\n\nRequest:\n%s",
		strings.Join(labels, ", "), request)
}

// Classify runs the classifier runner and returns the label it produced.
// Any failure, including an out-of-set answer, is an error; callers fall
// back to the default procedure.
func (c *RunnerClassifier) Classify(ctx context.Context, request string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	sup, err := runner.New(c.runnerType, runner.Options{
		Model:            c.model,
		WorkDir:          c.workDir,
		SingleTurn:       true,
		DisallowAllTools: true,
	}, c.logger)
	if err != nil {
		return "", err
	}
	if err := sup.Start(ctx, classifierPrompt(request)); err != nil {
		return "", err
	}
	defer sup.Stop(context.Background())

	var last string
	for ev := range sup.Events() {
		switch ev.Type {
		case runner.EventComplete:
			if ev.Result != nil {
				if ev.Result.IsError {
					return "", fmt.Errorf("classifier failed: %s", ev.Result.Text)
				}
				last = ev.Result.Text
			}
		case runner.EventError:
			return "", fmt.Errorf("classifier runner error: %w", ev.Err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	label := strings.ToLower(strings.TrimSpace(last))
	label = strings.Trim(label, "\"'.`")
	if _, ok := labelProcedures[label]; !ok {
		return "", fmt.Errorf("classifier returned unknown label: %q", label)
	}
	return label, nil
}
