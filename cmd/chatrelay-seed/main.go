// chatrelay-seed drives a running chatrelay instance with realistic demo
// traffic through the public webhook endpoint: conversations, alternating
// customer and support messages, and a share of closes.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
)

var customerMessages = []string{
	"Olá, tudo bem?",
	"Oi, boa tarde!",
	"Preciso de ajuda com meu pedido",
	"Qual o status da minha compra?",
	"O produto chegou com defeito",
	"Gostaria de fazer uma reclamação",
	"Como faço para rastrear meu pedido?",
	"Vocês trabalham com entrega expressa?",
	"Qual o prazo de entrega para minha região?",
	"Posso trocar o produto?",
	"O boleto não está aparecendo",
	"Não consigo finalizar a compra",
	"Vocês tem esse produto em estoque?",
	"Qual a política de devolução?",
	"Meu pedido ainda não chegou",
	"Preciso cancelar minha compra",
	"Como faço para parcelar?",
	"Vocês aceitam PIX?",
	"Tem desconto para pagamento à vista?",
	"Quando vai ter promoção?",
}

var supportMessages = []string{
	"Olá! Como posso ajudar você hoje?",
	"Boa tarde! Sou do atendimento. Em que posso ser útil?",
	"Claro! Vou verificar isso para você.",
	"Deixe-me consultar seu pedido no sistema.",
	"Um momento, por favor. Estou verificando.",
	"Seu pedido foi localizado. Status: em transporte.",
	"Lamento pelo inconveniente. Vamos resolver isso.",
	"Posso abrir uma solicitação de troca para você.",
	"O prazo de entrega é de 3 a 5 dias úteis.",
	"Sim, trabalhamos com entrega expressa por um custo adicional.",
	"Vou gerar um novo boleto para você.",
	"Pode tentar limpar o cache do navegador?",
	"Sim, o produto está disponível em estoque.",
	"Nossa política permite trocas em até 30 dias.",
	"Vejo que houve um atraso na transportadora.",
	"Cancelamento realizado com sucesso!",
	"Você pode parcelar em até 12x sem juros.",
	"Sim, aceitamos PIX com 5% de desconto.",
	"Para pagamento à vista oferecemos 10% de desconto.",
	"Nossa próxima promoção será na Black Friday.",
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the chatrelay instance")
	conversations := flag.Int("conversations", 10, "number of conversations to create")
	maxMessages := flag.Int("max-messages", 8, "maximum messages per conversation")
	closeRatio := flag.Float64("close-ratio", 0.7, "fraction of conversations to close")
	delay := flag.Duration("delay", 50*time.Millisecond, "pause between webhook events")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	client := &http.Client{Timeout: 10 * time.Second}

	var created, messagesSent, closed, failures int
	for i := 0; i < *conversations; i++ {
		conversationID := uuid.NewString()
		eventTime := time.Now().UTC()
		if err := postEvent(client, *baseURL, event{
			Type:      "NEW_CONVERSATION",
			Timestamp: eventTime,
			Data:      map[string]string{"id": conversationID},
		}); err != nil {
			log.Printf("create conversation failed: %v", err)
			failures++
			continue
		}
		created++
		time.Sleep(*delay)

		count := *maxMessages
		if count > 2 {
			count = 2 + rng.Intn(count-1)
		}
		for m := 0; m < count; m++ {
			eventTime = eventTime.Add(time.Duration(5+rng.Intn(55)) * time.Second)
			direction := "RECEIVED"
			content := customerMessages[rng.Intn(len(customerMessages))]
			if m%2 == 1 {
				direction = "SENT"
				content = supportMessages[rng.Intn(len(supportMessages))]
			}
			if err := postEvent(client, *baseURL, event{
				Type:      "NEW_MESSAGE",
				Timestamp: eventTime,
				Data: map[string]string{
					"id":              uuid.NewString(),
					"direction":       direction,
					"content":         content,
					"conversation_id": conversationID,
				},
			}); err != nil {
				log.Printf("message failed: %v", err)
				failures++
				continue
			}
			messagesSent++
			time.Sleep(*delay)
		}

		if rng.Float64() < *closeRatio {
			eventTime = eventTime.Add(time.Duration(1+rng.Intn(10)) * time.Minute)
			if err := postEvent(client, *baseURL, event{
				Type:      "CLOSE_CONVERSATION",
				Timestamp: eventTime,
				Data:      map[string]string{"id": conversationID},
			}); err != nil {
				log.Printf("close failed: %v", err)
				failures++
			} else {
				closed++
			}
			time.Sleep(*delay)
		}
	}

	log.Printf("seeded %d conversations (%d closed), %d messages, %d failures",
		created, closed, messagesSent, failures)
}

type event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data"`
}

func postEvent(client *http.Client, baseURL string, ev event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	resp, err := client.Post(baseURL+"/webhook/", "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("%s event rejected (%d): %s: %s", ev.Type, resp.StatusCode, body.Error, body.Details)
	}
	return nil
}
