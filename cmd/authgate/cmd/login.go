package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmcleod/authgate/authenticator"
	"github.com/jmcleod/authgate/cascade"
	"github.com/jmcleod/authgate/client"
	"github.com/jmcleod/authgate/identity"
	"github.com/jmcleod/authgate/tlscred"
)

const maxPasswordAttempts = 3

var (
	rememberMe     bool
	certFile       string
	keyFile        string
	pkcs11Module   string
	pkcs11TokenLbl string
	pkcs11PIN      string
	pkcs11KeyLabel string
	tokenFile      string
)

var loginCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Sign in, cascading through the strongest available factor",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().BoolVar(&rememberMe, "remember", false, "Remember this username for the next login")
	loginCmd.Flags().StringVar(&certFile, "cert", "", "Path to client certificate PEM for mTLS login")
	loginCmd.Flags().StringVar(&keyFile, "key", "", "Path to client key PEM for mTLS login")
	loginCmd.Flags().StringVar(&pkcs11Module, "pkcs11-module", "", "Path to a PKCS#11 shared library holding the client key")
	loginCmd.Flags().StringVar(&pkcs11TokenLbl, "pkcs11-token", "", "PKCS#11 token label")
	loginCmd.Flags().StringVar(&pkcs11PIN, "pkcs11-pin", "", "PKCS#11 user PIN")
	loginCmd.Flags().StringVar(&pkcs11KeyLabel, "pkcs11-key-label", "", "Label of the key and certificate on the token")
	loginCmd.Flags().StringVar(&tokenFile, "token-file", "", "Path to a software authenticator token file")
}

func runLogin(cmd *cobra.Command, args []string) error {
	opts := []client.Option{}

	switch {
	case certFile != "" && keyFile != "":
		cert, err := tlscred.LoadFromFiles(certFile, keyFile)
		if err != nil {
			return err
		}
		opts = append(opts, client.WithClientCertificate(cert))
	case pkcs11Module != "":
		cred, err := tlscred.LoadFromPKCS11(tlscred.PKCS11Config{
			ModulePath: pkcs11Module,
			TokenLabel: pkcs11TokenLbl,
			PIN:        pkcs11PIN,
			KeyLabel:   pkcs11KeyLabel,
		})
		if err != nil {
			return err
		}
		defer cred.Close()
		opts = append(opts, client.WithClientCertificate(cred.Certificate))
	}
	if insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}

	c, err := client.New(serverURL, opts...)
	if err != nil {
		return err
	}

	exec := client.WebAuthnExecutor{Client: c}
	if tokenFile != "" {
		token, err := authenticator.LoadSoftToken(tokenFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not load authenticator token: %v\n", err)
		} else {
			exec.Authenticator = token
		}
	}

	cfg := cascade.Config{
		Detector:        c,
		MTLS:            client.MTLSExecutor{Client: c},
		WebAuthn:        exec,
		Password:        client.PasswordExecutor{Client: c},
		CeremonyCapable: exec.Supported,
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	ids, err := identity.Open(filepath.Join(dataDir, "identity.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: identity store unavailable: %v\n", err)
	} else {
		defer ids.Close()
		cfg.Identities = ids
	}

	transitions := make(chan cascade.Snapshot, 16)
	cfg.OnTransition = func(s cascade.Snapshot) {
		transitions <- s
	}

	ctrl, err := cascade.New(cfg)
	if err != nil {
		return err
	}

	username := ""
	if len(args) == 1 {
		username = args[0]
	} else {
		username, err = promptUsername(ctrl.Remembered())
		if err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	if err := ctrl.SubmitUsername(ctx, username, rememberMe); err != nil {
		return err
	}

	attempts := 0
	var pending *memguard.LockedBuffer
	defer func() {
		if pending != nil {
			pending.Destroy()
		}
	}()

	for snap := range transitions {
		switch snap.Step {
		case cascade.StepCheckingMethods, cascade.StepAttemptingMTLS,
			cascade.StepAttemptingWebAuthn, cascade.StepAuthenticating:
			fmt.Fprintf(os.Stderr, "%s...\n", snap.StatusMessage)

		case cascade.StepPasswordRequired:
			if pending != nil {
				pending.Destroy()
				pending = nil
			}
			if snap.LastError != nil {
				fmt.Fprintf(os.Stderr, "%v\n", snap.LastError)
			}
			if attempts >= maxPasswordAttempts {
				return fmt.Errorf("too many failed password attempts")
			}
			attempts++
			pending, err = promptPassword()
			if err != nil {
				return err
			}
			if err := ctrl.SubmitPassword(ctx, pending.String()); err != nil {
				return err
			}

		case cascade.StepFailed:
			fmt.Fprintf(os.Stderr, "sign-in failed: %v\n", snap.LastError)

		case cascade.StepAuthenticated:
			if pending != nil {
				pending.Destroy()
				pending = nil
			}
			saveSessionRef(snap.Session.Ref)
			fmt.Printf("Signed in as %s (%s)\n", snap.Session.Username, snap.Session.Method)
			return nil
		}
	}
	return nil
}

func promptUsername(remembered string) (string, error) {
	if remembered != "" {
		fmt.Fprintf(os.Stderr, "Username [%s]: ", remembered)
	} else {
		fmt.Fprint(os.Stderr, "Username: ")
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	line = strings.TrimSpace(line)
	if err != nil && line == "" {
		return "", fmt.Errorf("reading username: %w", err)
	}
	if line == "" {
		return remembered, nil
	}
	return line, nil
}

// promptPassword reads the password without echo into locked memory. The
// caller destroys the buffer once the attempt has settled.
func promptPassword() (*memguard.LockedBuffer, error) {
	for {
		fmt.Fprint(os.Stderr, "Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		if len(raw) == 0 {
			continue
		}
		return memguard.NewBufferFromBytes(raw), nil
	}
}
