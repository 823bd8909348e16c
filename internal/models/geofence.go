package models

// Geofence is a circular zone defined in the cloud.
type Geofence struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"lat" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"lng" validate:"gte=-180,lte=180"`
	Radius    int     `json:"radius" validate:"gt=0"`
}
