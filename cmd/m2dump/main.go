// m2dump is a request-dump handler: attach it to a Mongrel2 route and it
// renders every HTTP request it receives back as an HTML page; JSON and
// XML messages are only logged, with no reply. Useful for
// checking what a route actually delivers to the handler side.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sergekov/go-mongrel2/mongrel2"
)

var (
	appID        string
	sendSpec     string
	recvSpec     string
	configDB     string
	settingsPath string
	listOnly     bool
	watch        bool

	// Secret for HMAC JWTs (HS256/HS384/HS512). Set in the environment.
	jwtSecret = []byte(os.Getenv("APP_JWT_SECRET"))
)

type dumpClaims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

// authenticate extracts the user id from Authorization: Bearer <jwt>
// verified with an HMAC signing method and APP_JWT_SECRET. With no secret configured every request
// passes as anonymous.
func authenticate(req *mongrel2.Request) (string, error) {
	if len(jwtSecret) == 0 {
		return "anonymous", nil
	}

	auth := req.Header("authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", errors.New("missing bearer token")
	}

	tokenStr := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	claims := &dumpClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return jwtSecret, nil
	})

	if err == nil && token.Valid && claims.UserID != "" {
		return claims.UserID, nil
	}

	return "", errors.New("unauthenticated")
}

// dumpApp renders everything it receives.
type dumpApp struct {
	mongrel2.BaseApp
}

func (dumpApp) Handle(req *mongrel2.Request) (mongrel2.Response, error) {
	resp := req.Response()

	user, err := authenticate(req)
	if err != nil {
		resp.SetHeader("Content-Type", "text/plain")
		return resp.SetStatusAndBody(http.StatusUnauthorized, "unauthorized\n"), nil
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "<html><head><title>m2dump</title></head><body>\n")
	fmt.Fprintf(&b, "<h1>Request dump</h1>\n")
	fmt.Fprintf(&b, "<p>user=%s sender=%s conn=%d</p>\n",
		html.EscapeString(user), html.EscapeString(req.SenderID), req.ConnID)
	fmt.Fprintf(&b, "<p>%s %s</p>\n",
		html.EscapeString(req.Method), html.EscapeString(req.Path))

	names := make([]string, 0, len(req.Headers))
	for name := range req.Headers {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(&b, "<table border=\"1\">\n")
	for _, name := range names {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td></tr>\n",
			html.EscapeString(name), html.EscapeString(req.Header(name)))
	}
	fmt.Fprintf(&b, "</table>\n")

	if len(req.Body) > 0 {
		fmt.Fprintf(&b, "<h2>Body (%d bytes)</h2><pre>%s</pre>\n",
			len(req.Body), html.EscapeString(string(req.Body)))
	}
	fmt.Fprintf(&b, "</body></html>\n")

	resp.SetHeader("Content-Type", "text/html")
	return resp.SetStatusAndBody(http.StatusOK, b.Bytes()), nil
}

func (dumpApp) HandleJSON(req *mongrel2.Request) (mongrel2.Response, error) {
	log.Printf("[m2dump] JSON message on %s: %v", req.Path, req.Data)
	return nil, nil
}

func (dumpApp) HandleXML(req *mongrel2.Request) (mongrel2.Response, error) {
	log.Printf("[m2dump] XML message on %s: %s", req.Path, req.Body)
	return nil, nil
}

var rootCmd = &cobra.Command{
	Use:   "m2dump",
	Short: "Mongrel2 request-dump handler",
	Long: `m2dump attaches to a Mongrel2 server and echoes every HTTP request
it receives back as an HTML page; JSON and XML messages are only logged.
Endpoints come from flags or from a
handler row in the server's config database, keyed by --app-id.`,
	RunE: run,
}

// envOr resolves flag defaults from the environment; bare invocations run
// on the stock Mongrel2 handler ports.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func init() {
	rootCmd.Flags().StringVar(&appID, "app-id", os.Getenv("APP_M2_ID"), "sender identity (default: generated UUID)")
	rootCmd.Flags().StringVar(&sendSpec, "send-spec", envOr("APP_M2_SEND_SPEC", "tcp://127.0.0.1:9997"), "reply socket endpoint")
	rootCmd.Flags().StringVar(&recvSpec, "recv-spec", envOr("APP_M2_RECV_SPEC", "tcp://127.0.0.1:9996"), "request socket endpoint")
	rootCmd.Flags().StringVar(&configDB, "config", "", "Mongrel2 config database; looks up endpoints by --app-id")
	rootCmd.Flags().StringVar(&settingsPath, "settings", mongrel2.SettingsFile, "handler settings file")
	rootCmd.Flags().BoolVar(&listOnly, "list", false, "list handler rows in the config database and exit")
	rootCmd.Flags().BoolVar(&watch, "watch", false, "restart the connection when the config database changes")
}

func run(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	// settings file is the base layer; env vars and explicit flags win
	settings := mongrel2.LoadSettings(settingsPath)
	if appID == "" {
		appID = settings.AppID
	}
	if !cmd.Flags().Changed("send-spec") && os.Getenv("APP_M2_SEND_SPEC") == "" {
		sendSpec = settings.SendSpec
	}
	if !cmd.Flags().Changed("recv-spec") && os.Getenv("APP_M2_RECV_SPEC") == "" {
		recvSpec = settings.RecvSpec
	}
	if !cmd.Flags().Changed("config") && configDB == "" {
		configDB = settings.ConfigDB
	}
	if !cmd.Flags().Changed("watch") && settings.WatchConfig {
		watch = true
	}

	if appID == "" {
		appID = uuid.NewString()
	}

	var store *mongrel2.ConfigStore
	if configDB != "" {
		var err error
		store, err = mongrel2.OpenConfig(configDB)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	if listOnly {
		if store == nil {
			return errors.New("--list needs --config")
		}
		handlers, err := store.ListHandlers()
		if err != nil {
			return err
		}
		for _, h := range handlers {
			fmt.Printf("%s\tsend=%s\trecv=%s\n", h.SendIdent, h.SendSpec, h.RecvSpec)
		}
		return nil
	}

	var conn *mongrel2.Connection
	var err error
	if store != nil {
		conn, err = mongrel2.OpenFromConfig(appID, store)
	} else {
		conn, err = mongrel2.Open(appID, sendSpec, recvSpec)
	}
	if err != nil {
		return fmt.Errorf("transport setup: %w", err)
	}

	handler := mongrel2.NewHandler(dumpApp{}, conn)

	if watch {
		if configDB == "" {
			return errors.New("--watch needs --config")
		}
		stop, err := mongrel2.WatchConfig(configDB, handler)
		if err != nil {
			log.Println("[m2dump] config watch disabled:", err)
		} else {
			log.Println("[m2dump] config watch enabled")
			defer stop()
		}
	}

	log.Println("=============================================")
	log.Printf(" m2dump handler %s", appID)
	log.Printf(" send_spec: %s", conn.SendSpec)
	log.Printf(" recv_spec: %s", conn.RecvSpec)
	log.Println("=============================================")

	return handler.Run()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Printf("[m2dump] %v", err)
		os.Exit(1)
	}
}
