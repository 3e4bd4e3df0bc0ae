package engine

type Ability string

const (
	AbilityNone     Ability = ""
	AbilityFlip     Ability = "flip"
	AbilityResupply Ability = "resupply"
)

// FaceDownStrength is the strength of any card played face-down.
const FaceDownStrength = 2

// HandSize is the number of cards dealt to each player.
const HandSize = 6

type Card struct {
	ID       CardID  `json:"id"`
	Theater  Theater `json:"theater"`
	Strength int     `json:"strength"`
	Ability  Ability `json:"ability,omitempty"`
}

// RuleTable is the pluggable card table the engine validates against.
type RuleTable interface {
	Card(id CardID) (Card, bool)
	Accepts(card Card, theater Theater, faceDown bool) bool
	Strength(card Card, faceUp bool) int
}

// Deck is a RuleTable backed by an ordered card list.
type Deck []Card

func (d Deck) Card(id CardID) (Card, bool) {
	for _, c := range d {
		if c.ID == id {
			return c, true
		}
	}
	return Card{}, false
}

// Accepts allows face-up play only in the card's own theater; face-down play goes anywhere.
func (d Deck) Accepts(card Card, theater Theater, faceDown bool) bool {
	return faceDown || card.Theater == theater
}

func (d Deck) Strength(card Card, faceUp bool) int {
	if !faceUp {
		return FaceDownStrength
	}
	return card.Strength
}

func (d Deck) IDs() []CardID {
	ids := make([]CardID, len(d))
	for i, c := range d {
		ids[i] = c.ID
	}
	return ids
}

var Standard = Deck{
	// Air
	{ID: "Reconnaissance", Theater: TheaterAir, Strength: 1, Ability: AbilityResupply},
	{ID: "Air Drop", Theater: TheaterAir, Strength: 2},
	{ID: "Maneuver", Theater: TheaterAir, Strength: 3, Ability: AbilityFlip},
	{ID: "Helicopter", Theater: TheaterAir, Strength: 4},
	{ID: "Stealth Bomber", Theater: TheaterAir, Strength: 5, Ability: AbilityFlip},
	{ID: "Fighter Jet", Theater: TheaterAir, Strength: 6},
	// Land
	{ID: "Supply Convoy", Theater: TheaterLand, Strength: 1, Ability: AbilityResupply},
	{ID: "Ambush", Theater: TheaterLand, Strength: 2, Ability: AbilityFlip},
	{ID: "Infantry", Theater: TheaterLand, Strength: 3},
	{ID: "Artillery", Theater: TheaterLand, Strength: 4},
	{ID: "Armored Column", Theater: TheaterLand, Strength: 5},
	{ID: "Heavy Tanks", Theater: TheaterLand, Strength: 6},
	// Sea
	{ID: "Patrol Boat", Theater: TheaterSea, Strength: 1, Ability: AbilityResupply},
	{ID: "Minesweeper", Theater: TheaterSea, Strength: 2},
	{ID: "Submarine", Theater: TheaterSea, Strength: 3, Ability: AbilityFlip},
	{ID: "Destroyer", Theater: TheaterSea, Strength: 4},
	{ID: "Aircraft Carrier", Theater: TheaterSea, Strength: 5},
	{ID: "Battleship", Theater: TheaterSea, Strength: 6},
}
