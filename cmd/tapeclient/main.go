package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/precepto/recorder/internal/auth"
)

func main() {
	serverURL := flag.String("url", "ws://localhost:8080/ws", "recorder WebSocket endpoint")
	token := flag.String("token", "", "bearer token; generated from -secret when empty")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT secret used to sign a test token")
	userID := flag.String("user", "tapeclient", "user id for a generated token")
	recordingID := flag.String("recording", "", "recording id (random when empty)")
	file := flag.String("file", "", "audio file to stream as microphone frames")
	frameSize := flag.Int("frame-size", 4096, "bytes per binary frame")
	frameInterval := flag.Duration("frame-interval", 250*time.Millisecond, "delay between frames")
	combine := flag.Bool("combine", false, "ask the store to combine the recording afterwards")
	flag.Parse()

	if *file == "" {
		log.Fatal("-file is required")
	}
	audio, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", *file, err)
	}
	if *recordingID == "" {
		*recordingID = uuid.NewString()
	}

	// Step 1: Get authentication token
	if *token == "" {
		authenticator, err := auth.NewAuthenticator(*secret)
		if err != nil {
			log.Fatalf("Either -token or -secret is required: %v", err)
		}
		*token, err = authenticator.GenerateUserToken(*userID, time.Hour)
		if err != nil {
			log.Fatalf("Failed to generate token: %v", err)
		}
	}

	// Step 2: Connect to WebSocket with token
	if _, err := url.Parse(*serverURL); err != nil {
		log.Fatalf("Invalid url: %v", err)
	}
	fmt.Printf("Connecting to: %s\n", *serverURL)

	header := http.Header{"Authorization": {"Bearer " + *token}}
	conn, resp, err := websocket.DefaultDialer.Dial(*serverURL, header)
	if err != nil {
		if resp != nil {
			log.Fatalf("WebSocket connection failed with status %d: %v", resp.StatusCode, err)
		}
		log.Fatalf("WebSocket connection failed: %v", err)
	}
	defer conn.Close()
	fmt.Println("✓ WebSocket connection successful!")

	replies := make(chan map[string]any, 64)
	go readLoop(conn, replies)

	// Step 3: Start capturing
	send(conn, map[string]any{"type": "recording_start", "recording_id": *recordingID, "permission": "granted", "message_id": "start"})
	expect(replies, "start")

	// Step 4: Stream the file as microphone frames
	frames := 0
	for off := 0; off < len(audio); off += *frameSize {
		end := min(off+*frameSize, len(audio))
		if err := conn.WriteMessage(websocket.BinaryMessage, audio[off:end]); err != nil {
			log.Fatalf("Failed to send frame: %v", err)
		}
		frames++
		time.Sleep(*frameInterval)
	}
	fmt.Printf("✓ Streamed %d bytes in %d frames\n", len(audio), frames)

	// Step 5: Stop and list the timeline
	send(conn, map[string]any{"type": "recording_stop", "message_id": "stop"})
	expect(replies, "stop")
	send(conn, map[string]any{"type": "chunks", "message_id": "chunks"})
	expect(replies, "chunks")

	if *combine {
		send(conn, map[string]any{"type": "combine", "message_id": "combine"})
		expect(replies, "combine")
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	fmt.Printf("✓ Done with recording %s\n", *recordingID)
}

func send(conn *websocket.Conn, msg map[string]any) {
	if err := conn.WriteJSON(msg); err != nil {
		log.Fatalf("Failed to send %v: %v", msg["type"], err)
	}
}

func readLoop(conn *websocket.Conn, replies chan<- map[string]any) {
	defer close(replies)
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		replies <- msg
	}
}

// expect prints replies until the one correlated to messageID arrives
func expect(replies <-chan map[string]any, messageID string) {
	timeout := time.After(3 * time.Minute)
	for {
		select {
		case msg, ok := <-replies:
			if !ok {
				log.Fatal("Connection closed by server")
			}
			pretty, _ := json.MarshalIndent(msg, "", "  ")
			fmt.Printf("← %s\n", pretty)
			if msg["message_id"] != messageID {
				continue
			}
			if msg["type"] == "error" {
				log.Fatalf("Request %s failed: %v", messageID, msg["message"])
			}
			return
		case <-timeout:
			log.Fatalf("No reply to %s", messageID)
		}
	}
}
