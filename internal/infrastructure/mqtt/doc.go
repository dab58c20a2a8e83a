// Package mqtt mirrors the dispenser relay onto an MQTT broker.
//
// This package manages:
//   - Connection to the broker with auto-reconnect and a Last Will
//   - Publishing with QoS and retained state topics
//   - Subscriptions that survive reconnects
//   - The Mirror, a gateway observer that republishes frequency changes
//     and openings, and turns inbound commands into SetFrequency calls
//
// # Topics
//
//	<prefix>/status              retained, online/offline
//	<prefix>/state/frequency     retained, {"intervalMs": n}
//	<prefix>/event/opening       {"nb_ouv": n, "date_ouv": "...", "source": "device|manual"}
//	<prefix>/command/frequency   inbound, {"minutes": n}
//	<prefix>/report/daily        retained, {"date": "...", "nb_ouv": n}
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, logger)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	mirror := mqtt.NewMirror(client, client.Topics(), byte(cfg.MQTT.QoS), logger)
//	client.SetOnConnect(mirror.Resync)
//	gw.AddObserver(mirror)
//	go mirror.Run(ctx, gw)
package mqtt
