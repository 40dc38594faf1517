// Package cmd contains wallet app
package cmd

import (
	"crypto/ecdsa"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var (
	accountName string
	accountPath string
	url         string
)

const (
	keyExtension = ".ecdsa"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var client = http.Client{Timeout: 30 * time.Second}

func init() {
	rootCmd.PersistentFlags().StringVarP(&accountName, "account", "a", "private.ecdsa", "Name of the private key.")
	rootCmd.PersistentFlags().StringVarP(&accountPath, "account-path", "p", "zblock/accounts/", "Path to the directory with private keys.")
	rootCmd.PersistentFlags().StringVarP(&url, "url", "u", "http://localhost:8080", "Url of the node.")
}

var rootCmd = &cobra.Command{
	Use:          "wallet",
	Short:        "A simple wallet for the node",
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getPrivateKeyPath() string {
	name := accountName
	if !strings.HasSuffix(name, keyExtension) {
		name += keyExtension
	}

	return filepath.Join(accountPath, name)
}

func loadKey() (*ecdsa.PrivateKey, error) {
	privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
	if err != nil {
		return nil, fmt.Errorf("loading key: %w", err)
	}
	return privateKey, nil
}

// getJSON decodes the response of a GET on the node into v.
func getJSON(path string, v any) error {
	resp, err := client.Get(url + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeResponse(resp, v)
}

// decodeResponse decodes a successful response into v and turns an error
// response into an error.
func decodeResponse(resp *http.Response, v any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		var er struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
			return fmt.Errorf("node returned %s", resp.Status)
		}
		if er.Reason != "" {
			return fmt.Errorf("node returned %s: %s: %s", resp.Status, er.Reason, er.Error)
		}
		return fmt.Errorf("node returned %s: %s", resp.Status, er.Error)
	}

	return json.NewDecoder(resp.Body).Decode(v)
}
