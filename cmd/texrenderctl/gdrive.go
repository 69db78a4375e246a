package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"texrender/internal/storage"
)

func newGDriveAuthCmd() *cobra.Command {
	var (
		clientID     string
		clientSecret string
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "gdrive-auth",
		Short: "Obtain a Google Drive refresh token for the gdrive storage provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if clientID == "" {
				clientID = strings.TrimSpace(os.Getenv("GDRIVE_CLIENT_ID"))
			}
			if clientSecret == "" {
				clientSecret = strings.TrimSpace(os.Getenv("GDRIVE_CLIENT_SECRET"))
			}
			if clientID == "" || clientSecret == "" {
				return fmt.Errorf("GDRIVE_CLIENT_ID and GDRIVE_CLIENT_SECRET are required")
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			// Local callback on a free port.
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return err
			}
			defer ln.Close()

			redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", ln.Addr().(*net.TCPAddr).Port)
			conf := storage.GDriveOAuthConfig(clientID, clientSecret)
			conf.RedirectURL = redirectURL

			state := randomState()
			codeCh := make(chan string, 1)
			errCh := make(chan error, 1)

			fail := func(err error) {
				select {
				case errCh <- err:
				default:
				}
			}

			mux := http.NewServeMux()
			mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				switch {
				case q.Get("state") != state:
					http.Error(w, "invalid state", http.StatusBadRequest)
					fail(fmt.Errorf("invalid state"))
				case q.Get("error") != "":
					http.Error(w, "auth error: "+q.Get("error"), http.StatusBadRequest)
					fail(fmt.Errorf("auth error: %s", q.Get("error")))
				case q.Get("code") == "":
					http.Error(w, "missing code", http.StatusBadRequest)
					fail(fmt.Errorf("missing code"))
				default:
					fmt.Fprintln(w, "Done. You can close this window and return to the terminal.")
					select {
					case codeCh <- q.Get("code"):
					default:
					}
				}
			})

			srv := &http.Server{
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			go func() { _ = srv.Serve(ln) }()
			defer srv.Close()

			// offline access yields a refresh token; prompt=consent forces it
			// even when the app was authorized before.
			authURL := conf.AuthCodeURL(state,
				oauth2.AccessTypeOffline,
				oauth2.SetAuthURLParam("prompt", "consent"),
			)
			fmt.Fprintf(out, "\nOpen this URL in your browser:\n\n%s\n\nWaiting for authorization on %s\n", authURL, redirectURL)

			var code string
			select {
			case code = <-codeCh:
			case err := <-errCh:
				return err
			case <-time.After(timeout):
				return fmt.Errorf("timed out waiting for authorization")
			case <-ctx.Done():
				return ctx.Err()
			}

			tok, err := conf.Exchange(ctx, code)
			if err != nil {
				return fmt.Errorf("token exchange: %w", err)
			}
			if strings.TrimSpace(tok.RefreshToken) == "" {
				return fmt.Errorf("no refresh token returned; revoke the app at https://myaccount.google.com/permissions and retry")
			}

			fmt.Fprintf(out, "\nGDRIVE_REFRESH_TOKEN=%s\n", tok.RefreshToken)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&clientID, "client-id", "", "OAuth client ID (default GDRIVE_CLIENT_ID)")
	f.StringVar(&clientSecret, "client-secret", "", "OAuth client secret (default GDRIVE_CLIENT_SECRET)")
	f.DurationVar(&timeout, "timeout", 3*time.Minute, "how long to wait for the browser callback")
	return cmd
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
