package content

// Creature is a collectible pet unlocked by reaching Level.
type Creature struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// World is a biome the player can travel to once Level is reached.
type World struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// Creatures is ordered by Level; entries sharing a level are revealed in
// table order.
var Creatures = []Creature{
	{ID: "dewdrop_frog", Name: "Dewdrop Frog", Level: 0},
	{ID: "sprout_bunny", Name: "Sprout Bunny", Level: 0},
	{ID: "pebble_turtle", Name: "Pebble Turtle", Level: 1},
	{ID: "meadow_mouse", Name: "Meadow Mouse", Level: 2},
	{ID: "clover_lamb", Name: "Clover Lamb", Level: 3},
	{ID: "ember_fox", Name: "Ember Fox", Level: 4},
	{ID: "sunset_crab", Name: "Sunset Crab", Level: 5},
	{ID: "dune_lizard", Name: "Dune Lizard", Level: 5},
	{ID: "honey_bear", Name: "Honey Bear", Level: 6},
	{ID: "lantern_owl", Name: "Lantern Owl", Level: 7},
	{ID: "moss_deer", Name: "Moss Deer", Level: 8},
	{ID: "star_moth", Name: "Star Moth", Level: 9},
	{ID: "night_bat", Name: "Night Bat", Level: 10},
	{ID: "moon_hare", Name: "Moon Hare", Level: 10},
	{ID: "frost_penguin", Name: "Frost Penguin", Level: 12},
	{ID: "forest_lynx", Name: "Forest Lynx", Level: 15},
	{ID: "acorn_squirrel", Name: "Acorn Squirrel", Level: 15},
	{ID: "coral_seahorse", Name: "Coral Seahorse", Level: 18},
	{ID: "snow_yeti", Name: "Snow Yeti", Level: 20},
	{ID: "neon_raccoon", Name: "Neon Raccoon", Level: 25},
	{ID: "city_pigeon", Name: "City Pigeon", Level: 30},
	{ID: "aurora_whale", Name: "Aurora Whale", Level: 35},
	{ID: "crystal_dragon", Name: "Crystal Dragon", Level: 40},
	{ID: "cosmic_phoenix", Name: "Cosmic Phoenix", Level: 50},
}

var Worlds = []World{
	{ID: "meadow", Name: "Meadow", Level: 0},
	{ID: "sunset", Name: "Sunset Beach", Level: 5},
	{ID: "night", Name: "Night Sky", Level: 10},
	{ID: "forest", Name: "Whispering Forest", Level: 15},
	{ID: "snow", Name: "Snow Peaks", Level: 20},
	{ID: "city", Name: "Neon City", Level: 30},
}

// Milestone is a one-time XP grant for cumulative focus effort.
// A zero threshold is ignored.
type Milestone struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	XP       int    `json:"xp"`
	Sessions int    `json:"sessions,omitempty"`
	Minutes  int    `json:"minutes,omitempty"`
}

var Milestones = []Milestone{
	{ID: "first_focus", Name: "First Focus", XP: 10, Sessions: 1},
	{ID: "focus_hour", Name: "Focus Hour", XP: 20, Minutes: 60},
	{ID: "ten_sessions", Name: "Ten Sessions", XP: 40, Sessions: 10},
	{ID: "deep_day", Name: "Deep Day", XP: 100, Minutes: 600},
	{ID: "focus_century", Name: "Focus Century", XP: 250, Sessions: 100},
}
