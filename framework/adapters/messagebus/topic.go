package messagebus

import (
	"fmt"
	"strings"
)

// headerSubject полный subject внутри сообщения Kafka и Redis Streams
const headerSubject = "subject"

// topicOf отображает subject на топик (stream): первые два токена.
// payments.status.pay-1 и payments.status.* дают один топик payments.status,
// точный subject сверяется по заголовку на стороне подписчика.
func topicOf(subject string) (string, error) {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) < 2 {
		return subject, nil
	}
	for _, p := range parts[:2] {
		if p == "*" || p == ">" || p == "" {
			return "", fmt.Errorf("subject %q: wildcard in topic tokens", subject)
		}
	}
	return parts[0] + "." + parts[1], nil
}
