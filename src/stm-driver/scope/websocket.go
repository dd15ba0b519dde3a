package scope

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/libp2p/zeroconf/v2"
	"github.com/sirupsen/logrus"

	"github.com/attolab/stm-driver/src/stm-driver/protocol"
	"github.com/attolab/stm-driver/src/stm-driver/scan"
)

// WEBSOCKET PROTOCOL

// Command sent by the GUI
type Command struct {
	*GetStatus

	*Connect
	*ConnectSerial
	*ListPorts
	*Simulate
	*Disconnect
	*Discover

	*StartScan
	*StopScan
	*SetBias
	*Step
}

func prettyPrintCommand(command Command) string {
	switch {
	case command.GetStatus != nil:
		return "GetStatus"
	case command.Connect != nil:
		return "Connect"
	case command.ConnectSerial != nil:
		return "ConnectSerial"
	case command.ListPorts != nil:
		return "ListPorts"
	case command.Simulate != nil:
		return "Simulate"
	case command.Disconnect != nil:
		return "Disconnect"
	case command.Discover != nil:
		return "Discover"
	case command.StartScan != nil:
		return "StartScan"
	case command.StopScan != nil:
		return "StopScan"
	case command.SetBias != nil:
		return "SetBias"
	case command.Step != nil:
		return "Step"
	}
	return "Unknown"
}

// GetStatus command
type GetStatus struct{}

// Connect to a network-attached rig
type Connect struct {
	Address string `json:"address"`
}

// ConnectSerial connects to a rig on a local serial port
type ConnectSerial struct {
	Port string `json:"port"`
	Baud int    `json:"baud"`
}

// ListPorts requests the serial ports that look like rig links
type ListPorts struct{}

// Simulate attaches the in-process simulated rig
type Simulate struct{}

// Disconnect command
type Disconnect struct{}

// Discover command
type Discover struct {
	Duration int `json:"duration"`
}

// StartScan command
type StartScan struct {
	Size     int `json:"size"`
	BiasCode int `json:"biasCode"`
}

// StopScan command
type StopScan struct{}

// SetBias command
type SetBias struct {
	Code int `json:"code"`
}

// Step drives the coarse-approach stepper
type Step struct {
	Direction string `json:"direction"` // "up" or "down"
	Count     int    `json:"count"`
}

// UnmarshalJSON implements the encoding/json Unmarshaler interface
func (command *Command) UnmarshalJSON(data []byte) error {

	// Helper struct to get type
	temp := struct {
		Type string `json:"type"`
	}{}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	switch temp.Type {
	case "GetStatus":
		command.GetStatus = &GetStatus{}
	case "Connect":
		return json.Unmarshal(data, &command.Connect)
	case "ConnectSerial":
		return json.Unmarshal(data, &command.ConnectSerial)
	case "ListPorts":
		command.ListPorts = &ListPorts{}
	case "Simulate":
		command.Simulate = &Simulate{}
	case "Disconnect":
		command.Disconnect = &Disconnect{}
	case "Discover":
		return json.Unmarshal(data, &command.Discover)
	case "StartScan":
		return json.Unmarshal(data, &command.StartScan)
	case "StopScan":
		command.StopScan = &StopScan{}
	case "SetBias":
		return json.Unmarshal(data, &command.SetBias)
	case "Step":
		return json.Unmarshal(data, &command.Step)
	default:
		return errors.New("can not decode unknown command")
	}

	return nil
}

// Message that can be sent to the GUI
type Message struct {
	*Status
	Ports      *PortList
	Discovered *zeroconf.ServiceEntry
	Row        *scan.RowUpdate
	Series     *scan.SeriesUpdate
	ScanState  *scan.StateUpdate
	RigStatus  *protocol.StatusFrame
}

// Status is a message containing connection and scan state
type Status struct {
	Address  *string
	Scanning bool
	Size     int
	Progress float64
}

// PortList is a message carrying candidate serial ports
type PortList struct {
	Ports []string
}

// MarshalJSON implements the JSON encoder for messages
func (message *Message) MarshalJSON() ([]byte, error) {
	switch {
	case message.Status != nil:
		return json.Marshal(&struct {
			Type     string  `json:"type"`
			Address  *string `json:"address"`
			Scanning bool    `json:"scanning"`
			Size     int     `json:"size"`
			Progress float64 `json:"progress"`
		}{
			Type:     "Status",
			Address:  message.Status.Address,
			Scanning: message.Status.Scanning,
			Size:     message.Status.Size,
			Progress: message.Status.Progress,
		})

	case message.Ports != nil:
		return json.Marshal(&struct {
			Type  string   `json:"type"`
			Ports []string `json:"ports"`
		}{
			Type:  "Ports",
			Ports: message.Ports.Ports,
		})

	case message.Discovered != nil:
		return json.Marshal(&struct {
			Type         string                 `json:"type"`
			ServiceEntry *zeroconf.ServiceEntry `json:"service"`
			IP           []net.IP               `json:"ip"`
		}{
			Type:         "Discovered",
			ServiceEntry: message.Discovered,
			IP:           append(message.Discovered.AddrIPv4, message.Discovered.AddrIPv6...),
		})

	case message.Row != nil:
		return json.Marshal(&struct {
			Type     string    `json:"type"`
			Idx      int       `json:"idx"`
			Row      []float64 `json:"row"`
			Progress float64   `json:"progress"`
		}{
			Type:     "Row",
			Idx:      message.Row.Idx,
			Row:      message.Row.Row,
			Progress: message.Row.Progress,
		})

	case message.Series != nil:
		return json.Marshal(&struct {
			Type   string    `json:"type"`
			Series []float64 `json:"series"`
			Std    float64   `json:"std"`
		}{
			Type:   "Series",
			Series: message.Series.Series,
			Std:    message.Series.Std,
		})

	case message.ScanState != nil:
		return json.Marshal(&struct {
			Type     string  `json:"type"`
			Scanning bool    `json:"scanning"`
			Size     int     `json:"size"`
			Progress float64 `json:"progress"`
		}{
			Type:     "ScanState",
			Scanning: message.ScanState.Scanning,
			Size:     message.ScanState.Size,
			Progress: message.ScanState.Progress,
		})

	case message.RigStatus != nil:
		return json.Marshal(&struct {
			Type string `json:"type"`
			Ok   bool   `json:"ok"`
			Raw  string `json:"raw"`
		}{
			Type: "RigStatus",
			Ok:   message.RigStatus.Ok,
			Raw:  message.RigStatus.Raw,
		})
	}

	return nil, errors.New("could not marshal message")
}

// Implement the net/http Handler interface
func (handle *Handle) ServeHTTP(w http.ResponseWriter, r *http.Request) {

	var log = handle.log.WithFields(logrus.Fields{
		"clientAddress": r.RemoteAddr,
		"userAgent":     r.UserAgent(),
	})

	conn, err := webSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Error("Could not upgrade connection to WebSocket.")
		http.Error(w, "WebSocket upgrade error", http.StatusBadRequest)
		return
	}

	log.Info("WebSocket connection opened")

	// The connection supports only one concurrent writer
	writeMutex := sync.Mutex{}

	ctx, cancel := context.WithCancel(context.Background())

	sendMessage := func(message Message) error {
		writeMutex.Lock()
		conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
		err := conn.WriteJSON(&message)
		writeMutex.Unlock()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Error("WebSocket error")
			}
			return err
		}
		return nil
	}

	// Forward rig status lines and render updates to the GUI
	statusCh := handle.Status()
	var renderCh chan interface{}
	if handle.scanControl != nil {
		renderCh = handle.scanControl.SubscribeRender()
	}

	go forwardLoop(ctx, statusCh, renderCh, sendMessage)

	close := func() {
		handle.Unsub(statusCh)
		if renderCh != nil {
			handle.scanControl.UnsubRender(renderCh)
		}
		cancel()
		conn.Close()
		log.Info("WebSocket connection closed")
	}

	// Main loop for the WebSocket connection
	go func() {
		defer close()
		for {
			messageType, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithError(err).Error("WebSocket error")
				}
				return
			}

			if messageType != websocket.TextMessage {
				continue
			}

			var command Command
			decodeErr := json.Unmarshal(msg, &command)
			if decodeErr != nil {
				log.WithField("rawCommand", string(msg)).WithError(decodeErr).Warning("Can not decode command.")
				continue
			}
			log.WithField("command", prettyPrintCommand(command)).Debug("Received command.")

			if err := handle.dispatchCommand(ctx, log, command, sendMessage); err != nil {
				return
			}
		}
	}()
}

// dispatchCommand handles incoming GUI commands
func (handle *Handle) dispatchCommand(ctx context.Context, log *logrus.Entry, command Command, sendMessage func(Message) error) error {

	switch {
	case command.GetStatus != nil:
		var message Message
		status := Status{Address: handle.Address}
		if handle.scanControl != nil {
			state := handle.scanControl.State()
			status.Scanning = state.Scanning
			status.Size = state.Size
			status.Progress = state.Progress
		}
		message.Status = &status
		return sendMessage(message)

	case command.Connect != nil:
		handle.ConnectTCP(command.Connect.Address)

	case command.ConnectSerial != nil:
		handle.ConnectSerial(command.ConnectSerial.Port, command.ConnectSerial.Baud)

	case command.ListPorts != nil:
		var message Message
		message.Ports = &PortList{Ports: ScanSerialPorts()}
		return sendMessage(message)

	case command.Simulate != nil:
		handle.ConnectSim()

	case command.Disconnect != nil:
		handle.Disconnect()

	case command.Discover != nil:
		discoveryCtx, discoveryCancel := context.WithTimeout(ctx, time.Duration(command.Discover.Duration)*time.Second)

		entries := handle.Discover(discoveryCtx)

		go func(entries chan *zeroconf.ServiceEntry) {
			defer discoveryCancel()
			for entry := range entries {
				log.WithField("service", entry).Debug("Discovered rig.")

				var message Message
				message.Discovered = entry

				if err := sendMessage(message); err != nil {
					return
				}
			}
			log.Debug("Discovery finished.")
		}(entries)

	case command.StartScan != nil:
		if handle.scanControl != nil {
			handle.scanControl.StartScan(command.StartScan.Size, uint16(command.StartScan.BiasCode))
		}

	case command.StopScan != nil:
		if handle.scanControl != nil {
			handle.scanControl.StopScan()
		}

	case command.SetBias != nil:
		if handle.scanControl != nil {
			handle.scanControl.SetBias(uint16(command.SetBias.Code))
		}

	case command.Step != nil:
		if handle.scanControl != nil {
			handle.scanControl.Step(command.Step.Direction == "up", command.Step.Count)
		}
	}
	return nil
}

// forwardLoop pumps rig status frames and render updates up the WebSocket.
func forwardLoop(ctx context.Context, status chan interface{}, render chan interface{}, send func(Message) error) {
	for {
		var err error

		select {
		case <-ctx.Done():
			return

		case i := <-status:
			if frame, ok := i.(protocol.StatusFrame); ok {
				err = send(Message{RigStatus: &frame})
			}

		case i := <-render:
			switch ev := i.(type) {
			case scan.RowUpdate:
				err = send(Message{Row: &ev})
			case scan.SeriesUpdate:
				err = send(Message{Series: &ev})
			case scan.StateUpdate:
				err = send(Message{ScanState: &ev})
			}
		}

		if err != nil {
			return
		}
	}
}

// Helper to upgrade http to WebSocket
var webSocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}
