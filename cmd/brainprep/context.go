package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"brainprep/pkg/batch"
	"brainprep/pkg/config"
	"brainprep/pkg/ledger"
	"brainprep/pkg/logging"
)

type globalFlags struct {
	config    string
	outputDir string
	logLevel  string
	ledger    string
}

type commandContext struct {
	flags *globalFlags

	configOnce sync.Once
	config     *config.Config
	configErr  error
	log        *logrus.Logger
	logCloser  io.Closer
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

func (c *commandContext) configPath() string {
	if path := strings.TrimSpace(c.flags.config); path != "" {
		return path
	}
	return config.DefaultConfigFile
}

// ensureConfig loads the configuration once, applies flag overrides and
// builds the logger, which writes to the command's stderr.
func (c *commandContext) ensureConfig(cmd *cobra.Command) (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.LoadConfig(c.configPath())
		if err != nil {
			c.configErr = fmt.Errorf("load config: %w", err)
			return
		}
		if dir := strings.TrimSpace(c.flags.outputDir); dir != "" {
			cfg.Output.Dir = dir
		}
		if lvl := strings.TrimSpace(c.flags.logLevel); lvl != "" {
			cfg.Logging.Level = lvl
		}
		if path := strings.TrimSpace(c.flags.ledger); path != "" {
			cfg.Ledger.Path = path
		}
		if err := cfg.Validate(); err != nil {
			c.configErr = err
			return
		}

		logger, closer, err := logging.New(cfg.Logging, cmd.ErrOrStderr())
		if err != nil {
			c.configErr = fmt.Errorf("configure logging: %w", err)
			return
		}
		c.config = cfg
		c.log = logger
		c.logCloser = closer
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() *logrus.Logger {
	if c.log == nil {
		return logging.Discard()
	}
	return c.log
}

func (c *commandContext) close() {
	if c.logCloser != nil {
		_ = c.logCloser.Close()
		c.logCloser = nil
	}
}

// openLedger returns nil when no ledger path is configured.
func (c *commandContext) openLedger() (*ledger.Store, error) {
	if c.config == nil || strings.TrimSpace(c.config.Ledger.Path) == "" {
		return nil, nil
	}
	store, err := ledger.Open(c.config.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return store, nil
}

// subjectOutDir places a subject's artifacts according to output.perSubjectDirs.
func (c *commandContext) subjectOutDir(subject int) string {
	if c.config.Output.PerSubjectDirs {
		return batch.SubjectDir(c.config.Output.Dir, subject)
	}
	return c.config.Output.Dir
}

func (c *commandContext) parseSubject(arg string) (int, error) {
	idx, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return 0, fmt.Errorf("invalid subject index %q", arg)
	}
	return idx, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
