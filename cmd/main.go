package main

import (
	"log"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/telegie/libdatachannel/echowsserver"
	"github.com/telegie/libdatachannel/websocket"
	"github.com/telegie/libdatachannel/websocket/transport"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	// Create and start an echo websocket server on a free local port
	srv := echowsserver.NewEchoWebsocketServer("", nil, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
	// Create a websocket endpoint and connect it to the server
	ws, err := websocket.New(websocket.NewConfiguration(), logger, nil)
	if err != nil {
		logger.Fatal("failed to create endpoint", zap.Error(err))
	}
	ws.OnOpen(func() {
		logger.Info("connected")
		if _, err := ws.SendText("hello from the endpoint"); err != nil {
			logger.Error("send failed", zap.Error(err))
		}
	})
	ws.OnMessage(func(message transport.Message) {
		logger.Info("echo received", zap.String("message", string(message.Data)))
	})
	ws.OnError(func(reason string) {
		logger.Warn("endpoint error", zap.String("reason", reason))
	})
	ws.OnClosed(func() {
		logger.Info("closed")
	})
	if err := ws.Open("ws://" + srv.Addr() + "/"); err != nil {
		logger.Fatal("failed to open endpoint", zap.Error(err))
	}
	// Wait for shutdown
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	<-sigs
	logger.Info("application shutdown initiated")
	// Close endpoint and server
	ws.Close()
	time.Sleep(time.Second)
	srv.Stop()
}
