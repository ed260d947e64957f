package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execTranslator struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
}

type execResponse struct {
	TranslatedText string `json:"translated_text"`
}

// NewExec runs command once per request, writing the request as JSON to
// stdin and reading {"translated_text": ...} from stdout.
func NewExec(command string) (Translator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse translate command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("translate command empty")
	}
	return &execTranslator{cmd: args}, nil
}

func (e *execTranslator) Translate(ctx context.Context, text, target string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	input, err := json.Marshal(execRequest{Text: text, TargetLanguage: target})
	if err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: translate command failed: %v", ErrConnection, err)
	}
	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("%w: decode translate response: %v", ErrConnection, err)
	}
	return strings.TrimSpace(resp.TranslatedText), nil
}
