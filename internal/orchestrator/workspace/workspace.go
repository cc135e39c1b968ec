// Package workspace materialises the per job directory tree handed to the engine.
package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
	"github.com/i-dream-of-ai/aegra/internal/orchestrator/domain"
)

const (
	algorithmDir   = "algorithm"
	resultsDir     = "results"
	configFileName = "config.json"
)

// EngineConfig is written as config.json and read by the engine at startup. Paths are as
// the engine sees them, which differs from the host paths when it runs in a container.
type EngineConfig struct {
	Environment              string            `json:"environment"`
	AlgorithmLanguage        string            `json:"algorithm-language"`
	AlgorithmLocation        string            `json:"algorithm-location"`
	DataFolder               string            `json:"data-folder"`
	ResultsDestinationFolder string            `json:"results-destination-folder"`
	ResultsFileName          string            `json:"results-file-name"`
	StartDate                string            `json:"backtest-start-date"`
	EndDate                  string            `json:"backtest-end-date"`
	Cash                     float64           `json:"backtest-cash"`
	Parameters               map[string]string `json:"parameters"`
	CloseAutomatically       bool              `json:"close-automatically"`
	JobUserId                string            `json:"job-user-id"`
	JobProjectId             string            `json:"job-project-id,omitempty"`
	AlgorithmId              string            `json:"algorithm-id"`
	MessagingHandler         string            `json:"messaging-handler,omitempty"`
	StreamingPort            int               `json:"desktop-http-port,omitempty"`
}

const streamingMessageHandler = "QuantConnect.Messaging.StreamingMessageHandler"

// WithStreaming makes the engine push its packets to port.
func (c *EngineConfig) WithStreaming(port int) {
	if port > 0 {
		c.MessagingHandler = streamingMessageHandler
		c.StreamingPort = port
	}
}

type Workspace struct {
	Dir          string
	AlgorithmDir string
	ResultsDir   string
	ConfigPath   string
}

func (w *Workspace) ResultPath(fileName string) string {
	return filepath.Join(w.ResultsDir, fileName)
}

type Manager struct {
	root   string
	retain bool
}

func NewManager(root string, retain bool) *Manager {
	return &Manager{root: root, retain: retain}
}

// Layout returns the paths of jobId's workspace without creating anything.
func (m *Manager) Layout(jobId string) *Workspace {
	dir := filepath.Join(m.root, jobId)
	return &Workspace{
		Dir:          dir,
		AlgorithmDir: filepath.Join(dir, algorithmDir),
		ResultsDir:   filepath.Join(dir, resultsDir),
		ConfigPath:   filepath.Join(dir, configFileName),
	}
}

// Create lays out <root>/<jobId>/{algorithm,results} and writes files and config.
func (m *Manager) Create(jobId string, files []domain.AlgorithmFile, config *EngineConfig) (*Workspace, error) {
	ws := m.Layout(jobId)
	for _, d := range []string{ws.AlgorithmDir, ws.ResultsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, backtesterrors.Infrastructure("workspace", errors.WithStack(err))
		}
	}
	// the engine may run as another user and must be able to write results
	if err := os.Chmod(ws.ResultsDir, 0o777); err != nil {
		return nil, backtesterrors.Infrastructure("workspace", errors.WithStack(err))
	}

	for _, file := range files {
		path, err := safeJoin(ws.AlgorithmDir, file.Name)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, backtesterrors.Infrastructure("workspace", errors.WithStack(err))
		}
		if err := os.WriteFile(path, []byte(file.Content), 0o644); err != nil {
			return nil, backtesterrors.Infrastructure("workspace", errors.WithStack(err))
		}
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := os.WriteFile(ws.ConfigPath, data, 0o644); err != nil {
		return nil, backtesterrors.Infrastructure("workspace", errors.WithStack(err))
	}
	return ws, nil
}

// Remove deletes the workspace unless workspaces are retained for debugging.
func (m *Manager) Remove(ws *Workspace) error {
	if m.retain || ws == nil {
		return nil
	}
	return errors.WithStack(os.RemoveAll(ws.Dir))
}

func safeJoin(dir, name string) (string, error) {
	cleaned := filepath.Clean("/" + name)
	if name == "" || strings.Contains(name, "..") || cleaned == "/" {
		return "", &backtesterrors.ErrValidation{Field: "files", Value: name, Message: "file name must stay inside the project"}
	}
	return filepath.Join(dir, cleaned), nil
}
