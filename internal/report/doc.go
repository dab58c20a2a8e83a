// Package report publishes each day's opening total once the day is over.
//
// A cron schedule, evaluated in the site timezone, triggers a read of the
// previous day's counter (0 when nothing was recorded) which is handed to
// every configured sink: the MQTT mirror and the InfluxDB recorder.
package report
