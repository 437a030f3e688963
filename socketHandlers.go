package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"breathing-analysis/audio"
	"breathing-analysis/models"
	"breathing-analysis/utils"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/mdobak/go-xerrors"
)

const (
	eventModelInfo      = "modelInfo"
	eventAnalysisResult = "analysisResult"
	eventAnalysisError  = "analysisError"

	socketAnalysisTimeout = 2 * time.Minute
)

// emitter is the part of socketio.Conn the controller writes to.
type emitter interface {
	ID() string
	Emit(eventName string, v ...interface{})
}

type modelInfo struct {
	Ready              bool   `json:"ready"`
	SampleRate         int    `json:"sampleRate"`
	EmbeddingModel     string `json:"embeddingModel,omitempty"`
	ClassifierFeatures int    `json:"classifierFeatures,omitempty"`
}

type socketController struct {
	app *app
}

func newSocketController(a *app) *socketController {
	return &socketController{app: a}
}

func (c *socketController) modelInfo() modelInfo {
	info := modelInfo{SampleRate: audio.TargetSampleRate}
	if m := c.app.pipeline.Models(); m != nil {
		info.Ready = true
		info.EmbeddingModel = m.EmbeddingModel
		info.ClassifierFeatures = m.ClassifierFeatures
	}
	return info
}

func (c *socketController) emitModelInfo(socket emitter) {
	socket.Emit(eventModelInfo, c.modelInfo())
}

func emitError(socket emitter, message string) {
	socket.Emit(eventAnalysisError, map[string]string{"message": message})
}

// decodeRecording accepts plain or data-URL base64.
func decodeRecording(recData models.RecordData) ([]byte, string, error) {
	payload := recData.Audio
	contentType := recData.MimeType
	if strings.HasPrefix(payload, "data:") {
		if comma := strings.IndexByte(payload, ','); comma != -1 {
			if contentType == "" {
				contentType = strings.TrimSuffix(strings.TrimPrefix(payload[:comma], "data:"), ";base64")
			}
			payload = payload[comma+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}

func (c *socketController) handleNewRecording(socket emitter, recordData string) {
	logger := utils.GetLogger()
	ctx, cancel := context.WithTimeout(context.Background(), socketAnalysisTimeout)
	defer cancel()

	if recordData == "" {
		logger.ErrorContext(ctx, "no data received in newRecording event")
		emitError(socket, "no audio data received")
		return
	}

	var recData models.RecordData
	if err := json.Unmarshal([]byte(recordData), &recData); err != nil {
		err := xerrors.New(err)
		logger.ErrorContext(ctx, "failed to parse record payload", slog.Any("error", err))
		emitError(socket, "invalid audio payload")
		return
	}
	if recData.Audio == "" {
		emitError(socket, "no audio data received")
		return
	}

	data, contentType, err := decodeRecording(recData)
	if err != nil {
		err := xerrors.New(err)
		logger.ErrorContext(ctx, "failed to decode base64 audio", slog.Any("error", err))
		emitError(socket, "invalid audio payload")
		return
	}

	logger.InfoContext(ctx, "received recording",
		slog.String("socketID", socket.ID()),
		slog.String("mimeType", contentType),
		slog.Int("bytes", len(data)),
	)

	resp, err := c.app.analyze(ctx, data, contentType)
	if err != nil {
		status, message := errorStatus(err)
		if status == http.StatusInternalServerError {
			err := xerrors.New(err)
			logger.ErrorContext(ctx, "socket prediction failed", slog.Any("error", err))
		}
		emitError(socket, message)
		return
	}

	socket.Emit(eventAnalysisResult, resp)
}

func newSocketServer(controller *socketController) *socketio.Server {
	var allowOriginFunc = func(r *http.Request) bool {
		return true
	}

	server := socketio.NewServer(&engineio.Options{
		PingTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		Transports: []transport.Transport{
			&websocket.Transport{
				CheckOrigin: allowOriginFunc,
			},
			&polling.Transport{
				CheckOrigin: allowOriginFunc,
			},
		},
	})

	server.OnConnect("/", func(socket socketio.Conn) error {
		socket.SetContext("")
		log.Printf("CONNECTED: %s, remote addr: %s\n", socket.ID(), socket.RemoteAddr())
		controller.emitModelInfo(socket)
		return nil
	})

	server.OnEvent("/", "requestModelInfo", func(socket socketio.Conn) {
		controller.emitModelInfo(socket)
	})

	server.OnEvent("/", "newRecording", func(socket socketio.Conn, msg string) {
		log.Printf("newRecording event received from %s, data length: %d\n", socket.ID(), len(msg))
		// Run handler in goroutine to prevent blocking, with panic recovery
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("panic in handleNewRecording for socket %s: %v\n", socket.ID(), r)
					emitError(socket, "internal server error during processing")
				}
			}()
			controller.handleNewRecording(socket, msg)
		}()
	})

	server.OnError("/", func(s socketio.Conn, e error) {
		log.Println("meet error:", e)
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		log.Printf("Socket disconnected - ID: %s, Reason: %s\n", s.ID(), reason)
	})

	return server
}
