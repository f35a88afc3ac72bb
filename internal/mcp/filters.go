package mcp

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const filtersURI = "file://haystack_filters.json"

// commonFilters groups frequently used filter expressions by topic.
var commonFilters = map[string]map[string]string{
	"basic_queries": {
		"all_points":      "point",
		"sensor_points":   "point and sensor",
		"writable_points": "point and writable",
		"command_points":  "point and cmd",
	},
	"sensor_types": {
		"temperature": "point and temp and sensor",
		"humidity":    "point and humidity and sensor",
		"pressure":    "point and pressure and sensor",
		"co2":         "point and co2 and sensor",
		"occupancy":   "point and occ and sensor",
	},
	"equipment_types": {
		"all_equipment": "equip",
		"vav_boxes":     "equip and vav",
		"ahu_units":     "equip and ahu",
		"chillers":      "equip and chiller",
		"boilers":       "equip and boiler",
		"meters":        "equip and meter",
	},
	"hierarchy": {
		"sites":  "site",
		"floors": "floor",
		"zones":  "space and zone",
		"rooms":  "space and room",
	},
	"system_status": {
		"alarms":               "alarm",
		"active_alarms":        "alarm and not acked",
		"high_priority_alarms": "alarm and priority < 3",
		"faults":               "point and fault",
	},
	"setpoints": {
		"zone_temps":         "point and sp and temp and zone",
		"ahu_setpoints":      "point and sp and ahu",
		"schedule_setpoints": "point and sp and scheduled",
	},
}

func handleFiltersResource(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if req == nil || req.Params == nil || req.Params.URI != filtersURI {
		uri := ""
		if req != nil && req.Params != nil {
			uri = req.Params.URI
		}
		return nil, mcp.ResourceNotFoundError(uri)
	}
	data, err := json.MarshalIndent(commonFilters, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      filtersURI,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}
