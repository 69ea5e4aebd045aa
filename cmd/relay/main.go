package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"

	"github.com/relaychat/relay/auth"
	"github.com/relaychat/relay/config"
	"github.com/relaychat/relay/globals"
	"github.com/relaychat/relay/persistence"
	"github.com/relaychat/relay/web"
	"github.com/relaychat/relay/ws"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "localhost:8000", "service address (including port)")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key (optional)")

	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	hub       *ws.Hub
	globalCfg *config.Config
)

func main() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	go func() {
		<-c
		log.Fatal("interrupted!")
	}()

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)

	pflag.Parse()
	log.SetFlags(0)

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	globalCfg = globalConfig

	if globalConfig.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
	}

	persister, err := persistence.NewPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	if persister != nil {
		defer persister.Close()
	}

	hub = ws.NewHub(globalConfig, persister)
	go hub.Run()

	setupRoutes(globalConfig, persister)

	// start HTTP server
	if *sslCert != "" && *sslKey != "" {
		err = http.ListenAndServeTLS(*addr, *sslCert, *sslKey, nil)
	} else {
		err = http.ListenAndServe(*addr, nil)
	}
	globals.AppLogger.Error("stopped listening", "error", err)
}

func setupRoutes(cfg *config.Config, persister persistence.Persister) {
	router := mux.NewRouter()
	router.HandleFunc("/chat", websocketHandler).Methods(http.MethodGet)
	web.NewHandler(cfg, persister).Routes(router)
	http.Handle("/", router)
}

// Handle incoming websockets
func websocketHandler(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromRequest(r, globalCfg)
	globals.AppLogger.Debug("new connection", "identity", identity.Username)

	// Upgrade HTTP request to Websocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		globals.AppLogger.Error("websocket upgrade error", "error", err)
		return
	}

	// When this frame returns close the Websocket
	defer conn.Close() //nolint

	doneChan := make(chan struct{})

	client := ws.NewClient(hub, conn, identity, doneChan)

	client.Add(1)
	hub.Register <- client
	client.Wait() // wait here until client is registered

	defer func() {
		hub.Unregister <- client
	}()

	client.Add(2)
	go client.WriteLoop()
	go client.ReadLoop()

	<-doneChan
	globals.AppLogger.Debug("connection done", "session", client.SessionId())
}
