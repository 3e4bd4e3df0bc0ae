package engine

import (
	"errors"
	"slices"
)

var ErrNotYourTurn = errors.New("not your turn")
var ErrInvalidTarget = errors.New("theater does not accept this card")
var ErrCardNotHeld = errors.New("card not held")
var ErrDuplicateAction = errors.New("duplicate action")
var ErrGameAlreadyFinished = errors.New("game already finished")
var ErrGameNotStarted = errors.New("game not started")
var ErrUnknownSeat = errors.New("unknown seat")
var ErrUnsupportedAction = errors.New("unsupported action")

type Theater string

const (
	TheaterAir  Theater = "Air"
	TheaterLand Theater = "Land"
	TheaterSea  Theater = "Sea"
)

// Theaters lists the play areas in board order. Adjacency follows this order.
var Theaters = []Theater{TheaterAir, TheaterLand, TheaterSea}

func (t Theater) Valid() bool { return slices.Contains(Theaters, t) }

type Seat int

const (
	NoSeat  Seat = -1
	SeatOne Seat = 0
	SeatTwo Seat = 1
)

func (s Seat) Valid() bool { return s == SeatOne || s == SeatTwo }

func (s Seat) Opponent() Seat { return 1 - s }

type Status string

const (
	StatusLobby      Status = "lobby"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
)

type EndReason string

const (
	EndHandsExhausted EndReason = "hands_exhausted"
	EndResigned       EndReason = "resigned"
	EndForfeit        EndReason = "forfeit"
)

type CardID string

type PlayedCard struct {
	Card   CardID `json:"card"`
	Owner  Seat   `json:"owner"`
	FaceUp bool   `json:"face_up"`
}

// State is one match. Values are copied with Clone before any change.
type State struct {
	MatchID  string                   `json:"match_id"`
	Version  int                      `json:"version"`
	Status   Status                   `json:"status"`
	Players  [2]string                `json:"players"`
	Turn     Seat                     `json:"turn"`
	Theaters map[Theater][]PlayedCard `json:"theaters"`
	Hands    [2][]CardID              `json:"hands"`
	Decks    [2][]CardID              `json:"decks"`
	Applied  map[string]int           `json:"applied"` // nonce -> version it produced
	Winner   Seat                     `json:"winner"`
	Reason   EndReason                `json:"reason,omitempty"`
}

type ActionType string

const (
	ActionPlayCard  ActionType = "play_card"
	ActionResign    ActionType = "resign"
	ActionReconnect ActionType = "reconnect"
	// ActionForfeit is issued by the server, never accepted from a client.
	ActionForfeit ActionType = "forfeit"
)

type Action struct {
	Type             ActionType
	Seat             Seat
	Nonce            string
	Card             CardID
	Theater          Theater
	FaceDown         bool
	LastKnownVersion int
}

type EventType string

const (
	EvtCardPlayed   EventType = "CardPlayed"
	EvtCardFlipped  EventType = "CardFlipped"
	EvtCardDrawn    EventType = "CardDrawn"
	EvtTurnAdvanced EventType = "TurnAdvanced"
	EvtGameFinished EventType = "GameFinished"
)

type Event struct {
	Type    EventType
	Seat    Seat
	Card    CardID
	Theater Theater
}

// Engine validates and applies actions against a rule table.
type Engine struct {
	Rules RuleTable
}

// Default uses the standard deck.
var Default = Engine{Rules: Standard}

func Apply(s State, a Action) ([]Event, State, error) {
	return Default.Apply(s, a)
}

// Apply returns the state produced by a, or s unchanged with the rejection.
func (e Engine) Apply(s State, a Action) ([]Event, State, error) {
	if a.Nonce != "" {
		if _, dup := s.Applied[a.Nonce]; dup {
			return nil, s, ErrDuplicateAction
		}
	}
	switch s.Status {
	case StatusFinished:
		return nil, s, ErrGameAlreadyFinished
	case StatusInProgress:
	default:
		return nil, s, ErrGameNotStarted
	}
	if !a.Seat.Valid() {
		return nil, s, ErrUnknownSeat
	}

	switch a.Type {
	case ActionPlayCard:
		return e.playCard(s, a)

	case ActionResign, ActionForfeit:
		reason := EndResigned
		if a.Type == ActionForfeit {
			reason = EndForfeit
		}
		next := s.Clone()
		finish(&next, a.Seat.Opponent(), reason)
		commitAction(&next, a)
		return []Event{{Type: EvtGameFinished, Seat: next.Winner}}, next, nil

	default:
		return nil, s, ErrUnsupportedAction
	}
}

func (e Engine) playCard(s State, a Action) ([]Event, State, error) {
	if s.Turn != a.Seat {
		return nil, s, ErrNotYourTurn
	}
	if !slices.Contains(s.Hands[a.Seat], a.Card) {
		return nil, s, ErrCardNotHeld
	}
	card, ok := e.Rules.Card(a.Card)
	if !ok {
		return nil, s, ErrCardNotHeld
	}
	if !a.Theater.Valid() || !e.Rules.Accepts(card, a.Theater, a.FaceDown) {
		return nil, s, ErrInvalidTarget
	}

	next := s.Clone()
	idx := slices.Index(next.Hands[a.Seat], a.Card)
	next.Hands[a.Seat] = slices.Delete(next.Hands[a.Seat], idx, idx+1)
	next.Theaters[a.Theater] = append(next.Theaters[a.Theater], PlayedCard{
		Card:   a.Card,
		Owner:  a.Seat,
		FaceUp: !a.FaceDown,
	})

	events := []Event{{Type: EvtCardPlayed, Seat: a.Seat, Card: a.Card, Theater: a.Theater}}
	if !a.FaceDown {
		events = append(events, e.resolve(&next, a.Seat, card, a.Theater)...)
	}

	if len(next.Hands[SeatOne]) == 0 && len(next.Hands[SeatTwo]) == 0 {
		finish(&next, e.battleWinner(next), EndHandsExhausted)
		events = append(events, Event{Type: EvtGameFinished, Seat: next.Winner})
	} else {
		// A player with an empty hand passes while the other still holds cards.
		if len(next.Hands[a.Seat.Opponent()]) > 0 {
			next.Turn = a.Seat.Opponent()
		}
		events = append(events, Event{Type: EvtTurnAdvanced, Seat: next.Turn})
	}

	commitAction(&next, a)
	return events, next, nil
}

// resolve applies the card's ability. Only face-up cards have abilities.
func (e Engine) resolve(s *State, seat Seat, card Card, played Theater) []Event {
	switch card.Ability {
	case AbilityFlip:
		for _, t := range adjacent(played) {
			stack := s.Theaters[t]
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i].Owner != seat {
					stack[i].FaceUp = !stack[i].FaceUp
					return []Event{{Type: EvtCardFlipped, Seat: stack[i].Owner, Card: stack[i].Card, Theater: t}}
				}
			}
		}

	case AbilityResupply:
		if len(s.Decks[seat]) == 0 {
			return nil
		}
		drawn := s.Decks[seat][0]
		s.Decks[seat] = s.Decks[seat][1:]
		s.Hands[seat] = append(s.Hands[seat], drawn)
		return []Event{{Type: EvtCardDrawn, Seat: seat, Card: drawn}}
	}
	return nil
}

// Controllers reports which seat controls each theater. Ties go to SeatOne.
func (e Engine) Controllers(s State) map[Theater]Seat {
	out := make(map[Theater]Seat, len(Theaters))
	for _, t := range Theaters {
		var strength [2]int
		for _, pc := range s.Theaters[t] {
			card, ok := e.Rules.Card(pc.Card)
			if !ok {
				continue
			}
			strength[pc.Owner] += e.Rules.Strength(card, pc.FaceUp)
		}
		if strength[SeatTwo] > strength[SeatOne] {
			out[t] = SeatTwo
		} else {
			out[t] = SeatOne
		}
	}
	return out
}

func (e Engine) battleWinner(s State) Seat {
	var won [2]int
	for _, seat := range e.Controllers(s) {
		won[seat]++
	}
	if won[SeatTwo] >= 2 {
		return SeatTwo
	}
	return SeatOne
}

func finish(s *State, winner Seat, reason EndReason) {
	s.Status = StatusFinished
	s.Winner = winner
	s.Reason = reason
}

func commitAction(s *State, a Action) {
	s.Version++
	if a.Nonce != "" {
		s.Applied[a.Nonce] = s.Version
	}
}

func adjacent(t Theater) []Theater {
	i := slices.Index(Theaters, t)
	var out []Theater
	if i > 0 {
		out = append(out, Theaters[i-1])
	}
	if i >= 0 && i < len(Theaters)-1 {
		out = append(out, Theaters[i+1])
	}
	return out
}
