package aqi

// Category is a named AQI band.
type Category struct {
	Label  string `json:"label"`
	Low    int    `json:"low"`
	High   int    `json:"high"`
	Color  string `json:"color"`
	Advice string `json:"health_advice"`
	// Effects describes expected health effects.
	Effects string `json:"health_effects"`
}

// Categories is ordered by increasing index.
var Categories = []Category{
	{
		Label: "Good", Low: 0, High: 50, Color: "#00E400",
		Advice:  "Air quality is good. Enjoy outdoor activities.",
		Effects: "None expected.",
	},
	{
		Label: "Moderate", Low: 51, High: 100, Color: "#FFFF00",
		Advice:  "Unusually sensitive people should reduce prolonged outdoor exertion.",
		Effects: "Sensitive individuals may notice mild symptoms.",
	},
	{
		Label: "Unhealthy for Sensitive Groups", Low: 101, High: 150, Color: "#FF7E00",
		Advice:  "Sensitive groups should limit outdoor activity and consider a mask.",
		Effects: "Sensitive groups may experience respiratory symptoms.",
	},
	{
		Label: "Unhealthy", Low: 151, High: 200, Color: "#FF0000",
		Advice:  "Everyone should reduce outdoor activity and wear a mask outside.",
		Effects: "Everyone may begin to experience health effects.",
	},
	{
		Label: "Very Unhealthy", Low: 201, High: 300, Color: "#8F3F97",
		Advice:  "Avoid outdoor activity and keep windows closed.",
		Effects: "Healthy people are likely to experience symptoms.",
	},
	{
		Label: "Hazardous", Low: 301, High: 500, Color: "#7E0023",
		Advice:  "Health emergency. Stay indoors and run an air purifier.",
		Effects: "Serious risk to everyone.",
	},
}

// CategoryOf returns the band containing aqi. Values above the scale fall
// in the last band.
func CategoryOf(aqi int) Category {
	for _, c := range Categories {
		if aqi <= c.High {
			return c
		}
	}
	return Categories[len(Categories)-1]
}
