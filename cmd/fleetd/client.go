package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// The client commands are thin wrappers over the HTTP admin surface of a
// running coordinator.

var serverAddr string

func adminClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func adminRequest(method, path string, body interface{}) (map[string]interface{}, error) {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, serverAddr+path, buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := adminClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %v", method, path, decoded["error"])
	}
	return decoded, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage node registration tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create USER_ID",
	Short: "Mint a single-use registration token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		resp, err := adminRequest(http.MethodPost, "/admin/tokens", map[string]string{
			"user_id": args[0],
			"label":   label,
		})
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage fleet nodes",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List fleet nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := adminClient().Get(serverAddr + "/admin/nodes")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var nodes []map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
			return err
		}
		for _, node := range nodes {
			fmt.Printf("%-20v %-12v %-16v %v/%v MB\n",
				node["id"], node["status"], node["host"], node["used_mb"], node["capacity_mb"])
		}
		return nil
	},
}

var nodeDrainCmd = &cobra.Command{
	Use:   "drain NODE_ID",
	Short: "Migrate all workloads off a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := adminRequest(http.MethodPost, "/admin/nodes/"+args[0]+"/drain", struct{}{})
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var nodeRecoverCmd = &cobra.Command{
	Use:   "recover NODE_ID",
	Short: "Trigger recovery of a dead node's tenants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := adminRequest(http.MethodPost, "/admin/nodes/"+args[0]+"/recover", struct{}{})
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var creditCmd = &cobra.Command{
	Use:   "credit",
	Short: "Manage tenant credit",
}

var creditGrantCmd = &cobra.Command{
	Use:   "grant TENANT_ID AMOUNT_CENTS",
	Short: "Grant credit to a tenant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var amount int64
		if _, err := fmt.Sscanf(args[1], "%d", &amount); err != nil {
			return fmt.Errorf("amount must be an integer: %v", err)
		}
		reason, _ := cmd.Flags().GetString("reason")
		resp, err := adminRequest(http.MethodPost, "/admin/credits/"+args[0]+"/grant", map[string]interface{}{
			"amount_cents": amount,
			"reason":       reason,
		})
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var creditBalanceCmd = &cobra.Command{
	Use:   "balance TENANT_ID",
	Short: "Show a tenant's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := adminRequest(http.MethodGet, "/admin/credits/"+args[0]+"/balance", nil)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

func init() {
	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCreateCmd.Flags().String("label", "", "Label for the node this token will register")

	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeDrainCmd)
	nodeCmd.AddCommand(nodeRecoverCmd)

	creditCmd.AddCommand(creditGrantCmd)
	creditCmd.AddCommand(creditBalanceCmd)
	creditGrantCmd.Flags().String("reason", "", "Reason recorded on the grant")

	for _, cmd := range []*cobra.Command{tokenCmd, nodeCmd, creditCmd} {
		cmd.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:8420", "Coordinator address")
	}
}
