package entities

// DeviceClassDate marks sensors whose value is an ISO date
const DeviceClassDate = "date"

// SensorDescription describes a sensor derived from one record field
type SensorDescription struct {
	Key         string
	Name        string
	Icon        string
	DeviceClass string
	Unit        string
}

// BinarySensorDescription describes an on/off sensor derived from one record field.
// An empty OnValue means "on when the value is truthy".
type BinarySensorDescription struct {
	Key     string
	Name    string
	Icon    string
	OnValue string
}

// SensorTypes lists every sensor a vehicle can expose
var SensorTypes = []SensorDescription{
	{Key: "registrationNumber", Name: "Registration Number", Icon: "mdi:car"},
	{Key: "taxStatus", Name: "Tax Status", Icon: "mdi:car"},
	{Key: "taxDueDate", Name: "Tax Due Date", Icon: "mdi:calendar-clock", DeviceClass: DeviceClassDate},
	{Key: "motStatus", Name: "MOT Status", Icon: "mdi:car"},
	{Key: "make", Name: "Make", Icon: "mdi:car"},
	{Key: "yearOfManufacture", Name: "Year of Manufacture", Icon: "mdi:car"},
	{Key: "engineCapacity", Name: "Engine Capacity", Icon: "mdi:engine"},
	{Key: "co2Emissions", Name: "CO2 Emissions", Icon: "mdi:engine"},
	{Key: "fuelType", Name: "Fuel Type", Icon: "mdi:engine"},
	{Key: "colour", Name: "Colour", Icon: "mdi:spray"},
	{Key: "typeApproval", Name: "Type Approval", Icon: "mdi:car"},
	{Key: "revenueWeight", Name: "Revenue Weight", Icon: "mdi:weight", Unit: "kg"},
	{Key: "dateOfLastV5CIssued", Name: "Date of Last V5C Issued", Icon: "mdi:calendar", DeviceClass: DeviceClassDate},
	{Key: "motExpiryDate", Name: "MOT Expiry Date", Icon: "mdi:calendar-check", DeviceClass: DeviceClassDate},
	{Key: "wheelplan", Name: "Wheelplan", Icon: "mdi:car"},
	{Key: "monthOfFirstRegistration", Name: "Month of First Registration", Icon: "mdi:calendar"},
}

// BinarySensorTypes lists every binary sensor a vehicle can expose
var BinarySensorTypes = []BinarySensorDescription{
	{Key: "taxStatus", Name: "Taxed", Icon: "mdi:car", OnValue: "Taxed"},
	{Key: "motStatus", Name: "MOT Valid", Icon: "mdi:car", OnValue: "Valid"},
	{Key: "markedForExport", Name: "Marked for Export", Icon: "mdi:export"},
}

// DateSensorTypes returns the sensors whose values are dates
func DateSensorTypes() []SensorDescription {
	var out []SensorDescription
	for _, d := range SensorTypes {
		if d.DeviceClass == DeviceClassDate {
			out = append(out, d)
		}
	}
	return out
}
