// Package gateway is the single entry point for changing dispenser state.
//
// Client commands (SetFrequency, RecordManualOpening) and device events
// (OnDeviceEvent) converge here. Each is handled under one lock: the
// store is updated, then the hub broadcasts the result, then observers
// such as the MQTT mirror and the InfluxDB recorder are notified.
package gateway
