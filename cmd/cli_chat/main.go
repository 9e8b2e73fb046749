package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"dm-relay/internal/domain"
	"dm-relay/internal/realtime"
	"dm-relay/internal/service"
)

type cliConfig struct {
	ServerURL string `env:"RELAY_URL" envDefault:"http://localhost:8080"`
	JWTSecret string `env:"JWT_SECRET,required,notEmpty"`
	JWTIssuer string `env:"JWT_ISSUER" envDefault:"dm-relay"`
}

func main() {
	userID := flag.Int64("user", 0, "id del usuario que envía")
	flag.Parse()

	_ = godotenv.Load()

	var cfg cliConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatal(err)
	}
	if *userID <= 0 {
		log.Fatal("usa -user=<id> con un id positivo")
	}

	// Token de desarrollo firmado con el mismo secreto que valida el servidor.
	jwtSvc := service.NewJWTService(cfg.JWTSecret, cfg.JWTIssuer, time.Hour)
	token, err := jwtSvc.SignAccessToken(*userID)
	if err != nil {
		log.Fatalf("firmar token: %v", err)
	}

	reader := bufio.NewReader(os.Stdin)
	ctx := context.Background()

	for {
		fmt.Printf("\n--- Conectado como usuario %d ---\n", *userID)
		fmt.Println("[1] Chatear")
		fmt.Println("[2] Ver conversacion")
		fmt.Println("[3] Salir")
		fmt.Print("Selecciona una opcion: ")

		line, _ := reader.ReadString('\n')
		switch strings.TrimSpace(line) {
		case "1":
			peer, ok := askPeer(reader)
			if !ok {
				continue
			}
			if err := chatFlow(ctx, reader, cfg.ServerURL, token, *userID, peer); err != nil {
				fmt.Printf("Error en chat: %v\n", err)
			}
		case "2":
			peer, ok := askPeer(reader)
			if !ok {
				continue
			}
			if err := showConversation(ctx, cfg.ServerURL, token, *userID, peer); err != nil {
				fmt.Printf("Error leyendo conversacion: %v\n", err)
			}
		case "3":
			os.Exit(0)
		default:
			fmt.Println("Opcion invalida.")
		}
	}
}

func askPeer(reader *bufio.Reader) (int64, bool) {
	fmt.Print("Id del otro usuario: ")
	raw, _ := reader.ReadString('\n')
	peer, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || peer <= 0 {
		fmt.Println("Id invalido.")
		return 0, false
	}
	return peer, true
}

func chatFlow(ctx context.Context, reader *bufio.Reader, serverURL, token string, userID, peer int64) error {
	wsURL, err := websocketURL(serverURL)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("conectar: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var ev struct {
				Name string          `json:"event"`
				Data json.RawMessage `json:"data"`
			}
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			printEvent(userID, ev.Name, ev.Data)
		}
	}()

	fmt.Println("---- Modo Chat (escribe 'salir' para terminar chat) ----")
	for {
		text, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("leer input: %w", err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if strings.EqualFold(text, "salir") {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return nil
		}
		select {
		case <-done:
			return errors.New("conexion cerrada por el servidor")
		default:
		}
		err = conn.WriteJSON(realtime.Event{Name: realtime.EventSendMessage, Data: service.SendInput{
			SenderID:    userID,
			RecipientID: peer,
			Content:     text,
		}})
		if err != nil {
			return fmt.Errorf("enviar: %w", err)
		}
	}
}

func printEvent(userID int64, name string, data json.RawMessage) {
	switch name {
	case realtime.EventMessageReceived:
		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if msg.SenderID != userID {
			fmt.Printf("\n%d > %s\n", msg.SenderID, msg.Content)
		}
	case realtime.EventAck:
		var res service.SendResult
		if err := json.Unmarshal(data, &res); err == nil && res.Status != service.StatusSuccess {
			fmt.Printf("\n[!] %s\n", res.Message)
		}
	case realtime.EventSessionReplaced:
		fmt.Println("\n[!] Sesion abierta en otro lugar.")
	case realtime.EventError:
		fmt.Printf("\n[!] error: %s\n", string(data))
	}
}

func showConversation(ctx context.Context, serverURL, token string, userID, peer int64) error {
	endpoint := fmt.Sprintf("%s/messages/%d/%d", strings.TrimRight(serverURL, "/"), userID, peer)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	var messages []domain.Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return err
	}
	if len(messages) == 0 {
		fmt.Println("Sin mensajes.")
		return nil
	}
	for _, m := range messages {
		read := " "
		if m.IsRead {
			read = "✓"
		}
		fmt.Printf("[%s] %s %d > %s\n", m.CreatedAt.Local().Format("15:04:05"), read, m.SenderID, m.Content)
	}
	return nil
}

func websocketURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String(), nil
}
