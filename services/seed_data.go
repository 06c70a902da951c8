package services

import "duelgo/models"

// DefaultSeed is the bootstrap question bank for fresh deployments. In
// production the bank is synced from the content service; this keeps a
// new environment playable.
func DefaultSeed() []models.Category {
	return []models.Category{
		{
			Name: "General Knowledge",
			Questions: []models.Question{
				q("What is the capital of Australia?",
					"Sydney", "Canberra", "Melbourne", "Perth", "B"),
				q("How many continents are there?",
					"Five", "Six", "Seven", "Eight", "C"),
				q("Which planet is known as the Red Planet?",
					"Venus", "Mars", "Jupiter", "Mercury", "B"),
				q("What is the largest ocean on Earth?",
					"Atlantic", "Indian", "Arctic", "Pacific", "D"),
				q("In which year did the Berlin Wall fall?",
					"1987", "1989", "1991", "1993", "B"),
				q("What is the chemical symbol for gold?",
					"Au", "Ag", "Gd", "Go", "A"),
				q("Which language has the most native speakers?",
					"English", "Hindi", "Mandarin Chinese", "Spanish", "C"),
				q("How many strings does a standard violin have?",
					"Four", "Five", "Six", "Seven", "A"),
			},
		},
		{
			Name: "Science",
			Questions: []models.Question{
				q("What gas do plants absorb from the atmosphere?",
					"Oxygen", "Nitrogen", "Carbon dioxide", "Hydrogen", "C"),
				q("What is the hardest natural substance?",
					"Quartz", "Diamond", "Topaz", "Corundum", "B"),
				q("At what temperature does water boil at sea level?",
					"90°C", "95°C", "100°C", "110°C", "C"),
				q("What particle carries a negative charge?",
					"Proton", "Neutron", "Electron", "Photon", "C"),
				q("Which organ produces insulin?",
					"Liver", "Pancreas", "Kidney", "Spleen", "B"),
				q("What is the speed of light, roughly?",
					"300,000 km/s", "150,000 km/s", "1,000,000 km/s", "30,000 km/s", "A"),
				q("How many bones are in the adult human body?",
					"186", "206", "226", "246", "B"),
				q("What force keeps planets in orbit around the sun?",
					"Magnetism", "Friction", "Gravity", "Inertia", "C"),
			},
		},
	}
}

func q(text, a, b, c, d, correct string) models.Question {
	keys := []string{"A", "B", "C", "D"}
	texts := []string{a, b, c, d}
	options := make([]models.Option, 4)
	for i := range keys {
		options[i] = models.Option{
			Key:       keys[i],
			Text:      texts[i],
			IsCorrect: keys[i] == correct,
			Order:     i + 1,
		}
	}
	return models.Question{Text: text, Options: options}
}
