package api

import (
	"crypto/tls"
	"crypto/x509"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

// CreateKafkaDialer собирает dialer с SASL/PLAIN и TLS для managed-кластеров
// Без username и password возвращается обычное нешифрованное соединение
func CreateKafkaDialer(username, password, caCert string) *kafka.Dialer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	if username != "" && password != "" {
		dialer.SASLMechanism = plain.Mechanism{
			Username: username,
			Password: password,
		}
		log.Printf("🔐 Kafka: SASL/PLAIN включен (username: %s)", username)
	}

	// SASL без TLS managed-кластеры не принимают, поэтому TLS включается
	// вместе с SASL либо при явно заданном CA сертификате
	if dialer.SASLMechanism == nil && caCert == "" {
		return dialer
	}

	tlsConfig := &tls.Config{}
	if caCert != "" {
		caCertPool := x509.NewCertPool()
		if ok := caCertPool.AppendCertsFromPEM([]byte(caCert)); ok {
			tlsConfig.RootCAs = caCertPool
			log.Printf("🔒 Kafka: TLS с CA сертификатом включен")
		} else {
			log.Printf("⚠️ Kafka: не удалось распарсить CA сертификат, используем системные")
		}
	} else {
		log.Printf("🔒 Kafka: TLS включен (системные сертификаты)")
	}
	dialer.TLS = tlsConfig

	return dialer
}

// ParseKafkaBrokers разбирает список брокеров через запятую
func ParseKafkaBrokers(brokers string) []string {
	if brokers == "" {
		return []string{}
	}
	brokerList := strings.Split(strings.ReplaceAll(brokers, " ", ""), ",")
	var result []string
	for _, broker := range brokerList {
		if broker != "" {
			result = append(result, broker)
		}
	}
	return result
}
