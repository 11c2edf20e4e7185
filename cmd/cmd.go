package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/minicore/cpucore/api"
	"github.com/minicore/cpucore/envconfig"
	"github.com/minicore/cpucore/format"
	"github.com/minicore/cpucore/types"
)

var rootCmd = &cobra.Command{
	Use:   "cpucore",
	Short: "CPU-side control core for GPU LLM inference",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cmd.SilenceUsage = true
	},
}

func init() {
	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(statusCmd, generateCmd)
}

// NewCLI returns the root command.
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	return rootCmd
}

func baseURL() string {
	host := envconfig.Host
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return host
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report cache and block pool sizing",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(baseURL() + "/status")
		if err != nil {
			return fmt.Errorf("request status: %w", err)
		}
		defer resp.Body.Close()

		var status api.StatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"metric", "value"})
		table.Append([]string{"cache blocks total", format.HumanNumber(uint64(status.CacheBlocksTotal))})
		table.Append([]string{"cache blocks evictable", format.HumanNumber(uint64(status.CacheBlocksEvictable))})
		table.Append([]string{"cache blocks protected", format.HumanNumber(uint64(status.CacheBlocksProtected))})
		table.Append([]string{"block pool used", format.HumanNumber(uint64(status.BlockPoolUsed))})
		table.Append([]string{"block pool free", format.HumanNumber(uint64(status.BlockPoolFree))})
		table.Render()
		return nil
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate [token ...]",
	Short: "Submit a prompt (as space-separated token ids) and wait for the result",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := make([]int32, len(args))
		for i, a := range args {
			v, err := strconv.Atoi(a)
			if err != nil {
				return fmt.Errorf("invalid token id %q: %w", a, err)
			}
			prompt[i] = int32(v)
		}
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")

		req := api.GenerateRequest{Prompt: prompt}
		if maxTokens > 0 {
			req.MaxTokens = types.NullWithValue(maxTokens)
		}

		body, err := json.Marshal(req)
		if err != nil {
			return err
		}

		resp, err := http.Post(baseURL()+"/generate", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("submit request: %w", err)
		}
		defer resp.Body.Close()

		out, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	generateCmd.Flags().Int("max-tokens", 0, "override max_tokens (0 uses the server default)")
}
