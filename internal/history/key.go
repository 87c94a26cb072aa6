package history

import (
	"errors"
	"fmt"
	"strings"
)

// Namespaces for conversation keys.
const (
	NamespacePerson  = "aiperson:chat"
	NamespaceChatbot = "chatbot:chat"
	// NamespaceDebate holds debate room transcripts. The gateway only reads
	// them; the debate service writes them.
	NamespaceDebate = "debate:room"
)

// ChatbotSubject is the subject component for the generic assistant.
const ChatbotSubject = "default"

// reserved lists characters that would change the meaning of a key when it
// is later used inside a SCAN MATCH pattern.
const reserved = ":*?[]\\"

// ErrInvalidKey is returned when a key component is empty or would break the
// key structure.
var ErrInvalidKey = errors.New("history: invalid conversation key")

// Key identifies one conversation log: {namespace}:{subject}:{user}.
type Key struct {
	Namespace string
	Subject   string
	User      string
}

// NewKey validates the components and builds a Key. Subject and user must not
// contain ':' or glob metacharacters, so a key can never be confused with a
// purge pattern.
func NewKey(namespace, subject, user string) (Key, error) {
	if namespace == "" {
		return Key{}, fmt.Errorf("%w: empty namespace", ErrInvalidKey)
	}
	if err := checkComponent("subject", subject); err != nil {
		return Key{}, err
	}
	if err := checkComponent("user", user); err != nil {
		return Key{}, err
	}
	return Key{Namespace: namespace, Subject: subject, User: user}, nil
}

func checkComponent(name, v string) error {
	if v == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidKey, name)
	}
	if strings.ContainsAny(v, reserved) {
		return fmt.Errorf("%w: %s contains reserved characters", ErrInvalidKey, name)
	}
	return nil
}

// PersonKey is the key for a user's conversation with one character.
func PersonKey(personID, userID string) (Key, error) {
	return NewKey(NamespacePerson, personID, userID)
}

// ChatbotKey is the key for a user's conversation with the generic assistant.
func ChatbotKey(userID string) (Key, error) {
	return NewKey(NamespaceChatbot, ChatbotSubject, userID)
}

// DebateKey is the key of a debate room transcript,
// debate:room:{room}:messages.
func DebateKey(roomID string) (Key, error) {
	return NewKey(NamespaceDebate, roomID, "messages")
}

// String renders the Redis key.
func (k Key) String() string {
	return k.Namespace + ":" + k.Subject + ":" + k.User
}

// UserPatterns returns the glob patterns matching every conversation of
// userID across all namespaces.
func UserPatterns(userID string) ([]string, error) {
	if err := checkComponent("user", userID); err != nil {
		return nil, err
	}
	return []string{
		NamespacePerson + ":*:" + userID,
		NamespaceChatbot + ":*:" + userID,
	}, nil
}
