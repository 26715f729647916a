package harness

import (
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/collab-harness/internal/domain"
)

type ActionType string

const (
	ActionConnect     ActionType = "connect"
	ActionSendMessage ActionType = "send_message"
	ActionDisconnect  ActionType = "disconnect"
	ActionWait        ActionType = "wait"
)

const (
	defaultWait = time.Second
	defaultRoom = domain.RoomID(1)
)

// Action is one step of a user's timeline. Delay is slept before the step;
// for ActionWait it is the wait itself.
type Action struct {
	Type    ActionType    `mapstructure:"type"`
	Delay   time.Duration `mapstructure:"delay"`
	Message string        `mapstructure:"message"`
	// Kind defaults to chat.
	Kind domain.Kind `mapstructure:"kind"`
	// Metadata is sent as is, e.g. {isTyping: true} for a typing kind.
	Metadata map[string]any `mapstructure:"metadata"`
	// Room is the feedback id the client claims. The server routes by the
	// connection's room regardless.
	Room domain.RoomID `mapstructure:"room"`
}

type User struct {
	ID      string        `mapstructure:"id"`
	Name    string        `mapstructure:"name"`
	Room    domain.RoomID `mapstructure:"room"`
	Actions []Action      `mapstructure:"actions"`
}

// Outcome lists substrings that must, or must not, appear in the text or
// kind of some message retained by User.
type Outcome struct {
	User             string   `mapstructure:"user"`
	ShouldReceive    []string `mapstructure:"should_receive"`
	ShouldNotReceive []string `mapstructure:"should_not_receive"`
}

type Scenario struct {
	Name     string    `mapstructure:"name"`
	Users    []User    `mapstructure:"users"`
	Outcomes []Outcome `mapstructure:"expected_outcomes"`
}

// AssertionError names the user and the expectation that failed.
// UnknownUser marks an outcome for a user the scenario never declared.
type AssertionError struct {
	User        string
	Expectation string
	Negated     bool
	UnknownUser bool
}

func (e *AssertionError) Error() string {
	if e.UnknownUser {
		return fmt.Sprintf("outcome names user %s who is not part of the scenario", e.User)
	}
	if e.Negated {
		return fmt.Sprintf("user %s should NOT have received message containing: %s", e.User, e.Expectation)
	}
	return fmt.Sprintf("user %s should have received message containing: %s", e.User, e.Expectation)
}

func containsExpectation(msgs []domain.Message, want string) bool {
	for _, m := range msgs {
		if strings.Contains(m.Message, want) || strings.Contains(string(m.Type), want) {
			return true
		}
	}
	return false
}

// check evaluates o against msgs and returns the first failure.
func (o Outcome) check(msgs []domain.Message) error {
	for _, want := range o.ShouldReceive {
		if !containsExpectation(msgs, want) {
			return &AssertionError{User: o.User, Expectation: want}
		}
	}
	for _, bad := range o.ShouldNotReceive {
		if containsExpectation(msgs, bad) {
			return &AssertionError{User: o.User, Expectation: bad, Negated: true}
		}
	}
	return nil
}
