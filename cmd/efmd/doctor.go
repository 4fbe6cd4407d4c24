package main

import (
	"encoding/json"
	"fmt"
	"os"
	goruntime "runtime"

	"github.com/spf13/cobra"

	"github.com/efm-runtime/efm/pkg/config"
)

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check local environment and configuration readiness",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "emit machine-readable JSON instead of text")
}

// checkResult is one doctor diagnostic. Status is one of "ok", "warn",
// "fail".
type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func runDoctor(cmd *cobra.Command, args []string) error {
	var results []checkResult
	allOK := true

	results = append(results, checkResult{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", goruntime.Version(), goruntime.GOOS, goruntime.GOARCH),
	})

	if _, err := os.Stat(configPath); err != nil {
		results = append(results, checkResult{
			Name:   "config_file",
			Status: "warn",
			Detail: fmt.Sprintf("%s not found, defaults will be used", configPath),
		})
	} else {
		doc, err := config.Load(configPath, nil)
		if err != nil {
			results = append(results, checkResult{Name: "config_file", Status: "fail", Detail: err.Error()})
			allOK = false
		} else {
			results = append(results, checkResult{Name: "config_file", Status: "ok", Detail: configPath})
			results = append(results, checkVersionCompat(doc))
		}
	}

	for _, r := range results {
		if r.Status == "fail" {
			allOK = false
		}
	}

	if doctorJSON {
		encoded, _ := json.MarshalIndent(results, "", "  ")
		fmt.Println(string(encoded))
	} else {
		for _, r := range results {
			fmt.Printf("[%-4s] %-16s %s\n", r.Status, r.Name, r.Detail)
		}
	}

	if !allOK {
		return fmt.Errorf("efmd doctor: one or more checks failed")
	}
	return nil
}

// supportedVersionConstraint is the range of configuration document
// versions this build of efmd understands.
const supportedVersionConstraint = ">= 1.0.0, < 2.0.0"

func checkVersionCompat(doc config.Document) checkResult {
	compatible, err := config.CheckCompatible(doc.Version, supportedVersionConstraint)
	if err != nil {
		return checkResult{Name: "config_version", Status: "fail", Detail: err.Error()}
	}
	if !compatible {
		return checkResult{
			Name:   "config_version",
			Status: "fail",
			Detail: fmt.Sprintf("document version %s does not satisfy %s", doc.Version, supportedVersionConstraint),
		}
	}
	return checkResult{Name: "config_version", Status: "ok", Detail: doc.Version}
}
