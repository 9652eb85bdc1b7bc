package main

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aristath/devpipeline/internal/task"
)

const maxTasksFileSize = 4 * 1024 * 1024

// TaskFile is the YAML document plan and submit read.
type TaskFile struct {
	Tasks []task.Task `yaml:"tasks"`
}

// readTasks reads a task file; "-" reads stdin.
func readTasks(path string) ([]task.Task, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open tasks: %w", err)
		}
		defer f.Close()
		r = f
	}
	content, err := io.ReadAll(io.LimitReader(r, maxTasksFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}
	if len(content) > maxTasksFileSize {
		return nil, fmt.Errorf("task input exceeds %d bytes", maxTasksFileSize)
	}

	var doc TaskFile
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse tasks: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("no tasks in %s", path)
	}
	return doc.Tasks, nil
}
