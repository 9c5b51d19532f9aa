package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/authgate/client"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a server-side session is currently valid",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newSessionClient()
		if err != nil {
			return err
		}
		sess, err := c.VerifySession(cmd.Context())
		if err != nil {
			return err
		}
		if sess == nil {
			fmt.Println("Not signed in")
			return nil
		}
		fmt.Printf("Signed in as %s (%s)\n", sess.Username, sess.Method)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Terminate the server-side session",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newSessionClient()
		if err != nil {
			return err
		}
		if err := c.Logout(cmd.Context()); err != nil {
			return err
		}
		clearSessionRef()
		fmt.Println("Signed out")
		return nil
	},
}

// newSessionClient builds a client seeded with the session reference the
// last login left in the data directory, if any.
func newSessionClient() (*client.Client, error) {
	opts := []client.Option{}
	if insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	if ref := loadSessionRef(); ref != "" {
		opts = append(opts, client.WithSessionRef(ref))
	}
	return client.New(serverURL, opts...)
}

func sessionRefPath() string {
	return filepath.Join(dataDir, "session")
}

func saveSessionRef(ref string) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return
	}
	os.WriteFile(sessionRefPath(), []byte(ref), 0o600)
}

func loadSessionRef() string {
	data, err := os.ReadFile(sessionRefPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func clearSessionRef() {
	os.Remove(sessionRefPath())
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logoutCmd)
}
