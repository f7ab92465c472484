package matrix

import "github.com/ashureev/matrix-web/internal/verify"

// sasEmojiTable is the 64-entry emoji table from the Matrix specification.
// Both devices index into the same table, so the rendered symbols match iff
// the derived SAS bytes match.
var sasEmojiTable = [64]verify.Emoji{
	{Symbol: "🐶", Description: "Dog"},
	{Symbol: "🐱", Description: "Cat"},
	{Symbol: "🦁", Description: "Lion"},
	{Symbol: "🐎", Description: "Horse"},
	{Symbol: "🦄", Description: "Unicorn"},
	{Symbol: "🐷", Description: "Pig"},
	{Symbol: "🐘", Description: "Elephant"},
	{Symbol: "🐰", Description: "Rabbit"},
	{Symbol: "🐼", Description: "Panda"},
	{Symbol: "🐓", Description: "Rooster"},
	{Symbol: "🐧", Description: "Penguin"},
	{Symbol: "🐢", Description: "Turtle"},
	{Symbol: "🐟", Description: "Fish"},
	{Symbol: "🐙", Description: "Octopus"},
	{Symbol: "🦋", Description: "Butterfly"},
	{Symbol: "🌷", Description: "Flower"},
	{Symbol: "🌳", Description: "Tree"},
	{Symbol: "🌵", Description: "Cactus"},
	{Symbol: "🍄", Description: "Mushroom"},
	{Symbol: "🌏", Description: "Globe"},
	{Symbol: "🌙", Description: "Moon"},
	{Symbol: "☁️", Description: "Cloud"},
	{Symbol: "🔥", Description: "Fire"},
	{Symbol: "🍌", Description: "Banana"},
	{Symbol: "🍎", Description: "Apple"},
	{Symbol: "🍓", Description: "Strawberry"},
	{Symbol: "🌽", Description: "Corn"},
	{Symbol: "🍕", Description: "Pizza"},
	{Symbol: "🎂", Description: "Cake"},
	{Symbol: "❤️", Description: "Heart"},
	{Symbol: "😀", Description: "Smiley"},
	{Symbol: "🤖", Description: "Robot"},
	{Symbol: "🎩", Description: "Hat"},
	{Symbol: "👓", Description: "Glasses"},
	{Symbol: "🔧", Description: "Spanner"},
	{Symbol: "🎅", Description: "Santa"},
	{Symbol: "👍", Description: "Thumbs Up"},
	{Symbol: "☂️", Description: "Umbrella"},
	{Symbol: "⌛", Description: "Hourglass"},
	{Symbol: "⏰", Description: "Clock"},
	{Symbol: "🎁", Description: "Gift"},
	{Symbol: "💡", Description: "Light Bulb"},
	{Symbol: "📕", Description: "Book"},
	{Symbol: "✏️", Description: "Pencil"},
	{Symbol: "📎", Description: "Paperclip"},
	{Symbol: "✂️", Description: "Scissors"},
	{Symbol: "🔒", Description: "Lock"},
	{Symbol: "🔑", Description: "Key"},
	{Symbol: "🔨", Description: "Hammer"},
	{Symbol: "☎️", Description: "Telephone"},
	{Symbol: "🏁", Description: "Flag"},
	{Symbol: "🚂", Description: "Train"},
	{Symbol: "🚲", Description: "Bicycle"},
	{Symbol: "✈️", Description: "Aeroplane"},
	{Symbol: "🚀", Description: "Rocket"},
	{Symbol: "🏆", Description: "Trophy"},
	{Symbol: "⚽", Description: "Ball"},
	{Symbol: "🎸", Description: "Guitar"},
	{Symbol: "🎺", Description: "Trumpet"},
	{Symbol: "🔔", Description: "Bell"},
	{Symbol: "⚓", Description: "Anchor"},
	{Symbol: "🎧", Description: "Headphones"},
	{Symbol: "📁", Description: "Folder"},
	{Symbol: "📌", Description: "Pin"},
}

// sasEmojis maps the first 42 bits of the SAS bytes onto seven table entries.
func sasEmojis(sas []byte) []verify.Emoji {
	indices := [7]byte{
		sas[0] >> 2,
		(sas[0]&0x3)<<4 | sas[1]>>4,
		(sas[1]&0xf)<<2 | sas[2]>>6,
		sas[2] & 0x3f,
		sas[3] >> 2,
		(sas[3]&0x3)<<4 | sas[4]>>4,
		(sas[4]&0xf)<<2 | sas[5]>>6,
	}

	emojis := make([]verify.Emoji, 7)
	for i, index := range indices {
		emojis[i] = sasEmojiTable[index]
	}
	return emojis
}

// sasDecimals maps the first 13 bits × 3 of the SAS bytes onto three numbers
// in the range 1000–9191.
func sasDecimals(sas []byte) (int, int, int) {
	d1 := int(sas[0])<<5 | int(sas[1])>>3
	d2 := (int(sas[1])&0x7)<<10 | int(sas[2])<<2 | int(sas[3])>>6
	d3 := (int(sas[3])&0x3f)<<7 | int(sas[4])>>1
	return d1 + 1000, d2 + 1000, d3 + 1000
}
