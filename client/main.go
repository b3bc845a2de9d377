package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/roomcast/pkg/model"
)

type LoginResponse struct {
	Token string `json:"token"`
}

func login(apiAddr, userID string) (string, error) {
	reqBody, _ := json.Marshal(map[string]string{"user_id": userID})
	resp, err := http.Post(apiAddr+"/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login failed: %s", string(body))
	}

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return "", err
	}

	return loginResp.Token, nil
}

type frame struct {
	Type model.EventType `json:"type"`
	Data json.RawMessage `json:"data"`
}

func render(f frame) {
	switch f.Type {
	case model.EventMessage:
		var msg model.Message
		if json.Unmarshal(f.Data, &msg) == nil {
			fmt.Printf("\r[%s] %s: %s\n> ", msg.Room, msg.Sender, msg.Content)
		}
	case model.EventHistory:
		var h model.HistoryPayload
		if json.Unmarshal(f.Data, &h) == nil {
			fmt.Printf("\r-- %d earlier messages in %s --\n", len(h.Messages), h.Room)
			for _, msg := range h.Messages {
				fmt.Printf("[%s] %s %s: %s\n", msg.Room, msg.Timestamp.Local().Format(time.Kitchen), msg.Sender, msg.Content)
			}
			fmt.Print("> ")
		}
	case model.EventUserJoined, model.EventUserLeft:
		var p model.PresencePayload
		if json.Unmarshal(f.Data, &p) == nil {
			who := p.User
			if who == "" {
				who = p.ConnectionID
			}
			fmt.Printf("\r* %s %s %s\n> ", who, strings.TrimPrefix(string(f.Type), "user-"), p.Room)
		}
	case model.EventTyping:
		var p model.TypingPayload
		if json.Unmarshal(f.Data, &p) == nil && p.IsTyping {
			fmt.Printf("\rUser %s is typing in %s...      \n> ", p.Sender, p.Room)
		}
	case model.EventError:
		var p model.ErrorPayload
		if json.Unmarshal(f.Data, &p) == nil {
			fmt.Printf("\r! %s: %s\n> ", p.Code, p.Message)
		}
	default:
		fmt.Printf("\rReceived raw: %s\n> ", f.Data)
	}
}

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	userID := flag.String("user", "", "user id; when set a token is requested from the api")
	room := flag.String("room", "lobby", "room to join on start")
	flag.Parse()

	header := http.Header{}
	if *userID != "" {
		log.Printf("Logging in as %s...", *userID)
		token, err := login(*apiAddr, *userID)
		if err != nil {
			log.Fatal("Login failed:", err)
		}
		header.Add("Authorization", "Bearer "+token)
	}

	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws"}
	log.Printf("connecting to %s", u.String())

	c, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	// gorilla allows one concurrent writer
	var writeMu sync.Mutex
	send := func(ev model.Inbound) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return c.WriteJSON(ev)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var f frame
			if err := c.ReadJSON(&f); err != nil {
				log.Println("read:", err)
				return
			}
			render(f)
		}
	}()

	current := *room
	if err := send(model.Inbound{Type: model.EventJoin, Room: current}); err != nil {
		log.Fatal("join:", err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	quit := make(chan struct{})

	go func() {
		defer close(quit)
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			var ev model.Inbound
			switch {
			case text == "":
				fmt.Print("> ")
				continue
			case text == "/quit":
				return
			case text == "/typing":
				ev = model.Inbound{Type: model.EventTyping, Room: current, IsTyping: true}
			case strings.HasPrefix(text, "/join "):
				current = strings.TrimSpace(strings.TrimPrefix(text, "/join "))
				ev = model.Inbound{Type: model.EventJoin, Room: current}
			case strings.HasPrefix(text, "/leave"):
				target := strings.TrimSpace(strings.TrimPrefix(text, "/leave"))
				if target == "" {
					target = current
				}
				ev = model.Inbound{Type: model.EventLeave, Room: target}
			default:
				ev = model.Inbound{Type: model.EventMessage, Room: current, Content: text, Sender: *userID}
			}
			if err := send(ev); err != nil {
				log.Println("write:", err)
				return
			}
			fmt.Print("> ")
		}
	}()

	select {
	case <-done:
		return
	case <-interrupt:
		log.Println("interrupt")
	case <-quit:
	}

	// Cleanly close the connection by sending a close message and then
	// waiting (with timeout) for the server to close the connection.
	writeMu.Lock()
	err = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	writeMu.Unlock()
	if err != nil {
		log.Println("write close:", err)
		return
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
