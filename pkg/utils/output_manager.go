package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// OutputManager handles export file organization and path management
type OutputManager struct {
	BaseOutputDir string
}

// NewOutputManager creates a new output manager
func NewOutputManager(baseOutputDir string) *OutputManager {
	return &OutputManager{
		BaseOutputDir: baseOutputDir,
	}
}

// CreateJobOutputDir creates the per-job directory for a job's exports
func (om *OutputManager) CreateJobOutputDir(jobID string) (string, error) {
	jobDir := filepath.Join(om.BaseOutputDir, jobID)

	err := os.MkdirAll(jobDir, 0755)
	if err != nil {
		return "", fmt.Errorf("failed to create job output directory: %w", err)
	}

	return jobDir, nil
}

// GetOutputFilePath generates a full path for an output file
func (om *OutputManager) GetOutputFilePath(jobID, fileName string) (string, error) {
	jobDir, err := om.CreateJobOutputDir(jobID)
	if err != nil {
		return "", err
	}

	// Clean the filename to remove any path separators
	cleanFileName := filepath.Base(fileName)

	return filepath.Join(jobDir, cleanFileName), nil
}

// ListJobFiles lists the files already exported for a job
func (om *OutputManager) ListJobFiles(jobID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(om.BaseOutputDir, filepath.Base(jobID)))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	return files, nil
}
