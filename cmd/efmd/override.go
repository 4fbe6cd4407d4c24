package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/efm-runtime/efm/pkg/override"
)

var (
	overrideServerAddr  string
	overrideType        string
	overrideTarget      string
	overrideReason      string
	overrideToken       string
	overrideConfirm     bool
	overrideCorrelation string
)

var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Submit an authenticated operator command to a running efmd instance",
	RunE:  runOverride,
}

func init() {
	overrideCmd.Flags().StringVar(&overrideServerAddr, "server", "http://localhost:8090", "base URL of the running efmd instance")
	overrideCmd.Flags().StringVar(&overrideType, "type", "", fmt.Sprintf("command type: one of %s", overrideCommandTypes()))
	overrideCmd.Flags().StringVar(&overrideTarget, "target", "", "target capsule id")
	overrideCmd.Flags().StringVar(&overrideReason, "reason", "", "operator-supplied justification")
	overrideCmd.Flags().StringVar(&overrideToken, "token", "", "signed operator JWT")
	overrideCmd.Flags().BoolVar(&overrideConfirm, "confirm", false, "set to satisfy confirmation for high-severity commands")
	overrideCmd.Flags().StringVar(&overrideCorrelation, "correlation-id", "", "correlation id for tracing this command through the audit log")
	_ = overrideCmd.MarkFlagRequired("type")
	_ = overrideCmd.MarkFlagRequired("token")
}

func overrideCommandTypes() []override.CommandType {
	return []override.CommandType{
		override.CmdView, override.CmdAdvisory, override.CmdQuarantine,
		override.CmdTerminate, override.CmdHalt, override.CmdShutdown, override.CmdReset,
	}
}

func runOverride(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(override.Command{
		Type:          override.CommandType(overrideType),
		Target:        overrideTarget,
		Reason:        overrideReason,
		OperatorToken: overrideToken,
		Confirmation:  overrideConfirm,
		CorrelationID: overrideCorrelation,
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(overrideServerAddr+"/override", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("efmd override: request failed: %w", err)
	}
	defer resp.Body.Close()

	var out override.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("efmd override: decode response: %w", err)
	}

	encoded, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(encoded))
	if out.Status != override.StatusOk {
		return fmt.Errorf("efmd override: command returned status %s", out.Status)
	}
	return nil
}
