package bluez

import (
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"ioxble/internal/peripheral"
)

// ============================================================================
// GATT application objects exported to BlueZ
// ============================================================================

// Object layout:
//
//	/io/ioxble                  ObjectManager (application root)
//	/io/ioxble/service0         GattService1
//	/io/ioxble/service0/char0   GattCharacteristic1 (write, write-without-response, notify)
//	/io/ioxble/advertisement0   LEAdvertisement1
const (
	appPath     = dbus.ObjectPath("/io/ioxble")
	servicePath = appPath + "/service0"
	charPath    = servicePath + "/char0"
	advPath     = appPath + "/advertisement0"
)

var charFlags = []string{"write", "write-without-response", "notify"}

// application answers BlueZ's GetManagedObjects on the application root.
type application struct {
	serviceUUID string
	charUUID    string
}

func (a *application) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	return a.managedObjects(), nil
}

func (a *application) managedObjects() map[dbus.ObjectPath]map[string]map[string]dbus.Variant {
	return map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		servicePath: {
			gattService1: serviceProperties(a.serviceUUID),
		},
		charPath: {
			gattChar1: charProperties(a.charUUID, nil),
		},
	}
}

func serviceProperties(uuid string) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"UUID":            dbus.MakeVariant(uuid),
		"Primary":         dbus.MakeVariant(true),
		"Characteristics": dbus.MakeVariant([]dbus.ObjectPath{charPath}),
	}
}

func charProperties(uuid string, value []byte) map[string]dbus.Variant {
	if value == nil {
		value = []byte{}
	}
	return map[string]dbus.Variant{
		"UUID":    dbus.MakeVariant(uuid),
		"Service": dbus.MakeVariant(servicePath),
		"Flags":   dbus.MakeVariant(charFlags),
		"Value":   dbus.MakeVariant(value),
	}
}

// serviceObject is the exported GattService1. It has no methods.
type serviceObject struct{}

// writeOptions are the options BlueZ passes to WriteValue.
type writeOptions struct {
	device  dbus.ObjectPath
	offset  int
	mtu     int
	command bool // write without response
}

func parseWriteOptions(options map[string]dbus.Variant) writeOptions {
	var wo writeOptions
	if v, ok := options["device"]; ok {
		if p, ok := v.Value().(dbus.ObjectPath); ok {
			wo.device = p
		}
	}
	if v, ok := options["offset"]; ok {
		if n, ok := v.Value().(uint16); ok {
			wo.offset = int(n)
		}
	}
	if v, ok := options["mtu"]; ok {
		if n, ok := v.Value().(uint16); ok {
			wo.mtu = int(n)
		}
	}
	if v, ok := options["type"]; ok {
		if s, ok := v.Value().(string); ok {
			wo.command = s == "command"
		}
	}
	return wo
}

// characteristic is the exported GattCharacteristic1. The IOX writes into
// it and subscribes to its notifications.
type characteristic struct {
	emit         func(peripheral.Event)
	central      func(device dbus.ObjectPath, mtu int) peripheral.Central
	setNotifying func(on bool) (peripheral.Central, bool)
	writeTimeout time.Duration
}

// ReadValue returns nothing; the characteristic is not readable.
func (c *characteristic) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	return nil, dbus.NewError("org.bluez.Error.NotPermitted", []interface{}{"read not permitted"})
}

// WriteValue hands the write to the session as a one-request batch. A write
// request is answered once the session responds, or after writeTimeout.
func (c *characteristic) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	wo := parseWriteOptions(options)
	central := c.central(wo.device, wo.mtu)

	if wo.command {
		req := peripheral.NewWriteRequest(central, wo.offset, value, nil)
		c.emit(peripheral.Event{Kind: peripheral.EventWriteRequests, Central: central, Requests: []*peripheral.WriteRequest{req}})
		return nil
	}

	done := make(chan error, 1)
	req := peripheral.NewWriteRequest(central, wo.offset, value, func(err error) { done <- err })
	c.emit(peripheral.Event{Kind: peripheral.EventWriteRequests, Central: central, Requests: []*peripheral.WriteRequest{req}})

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return dbus.NewError("org.bluez.Error.Failed", []interface{}{err.Error()})
		}
		return nil
	case <-timer.C:
		return dbus.NewError("org.bluez.Error.Failed", []interface{}{"write not answered in time"})
	}
}

// StartNotify is called by BlueZ when the central enables notifications.
func (c *characteristic) StartNotify() *dbus.Error {
	if central, changed := c.setNotifying(true); changed {
		c.emit(peripheral.Event{Kind: peripheral.EventCentralSubscribed, Central: central})
	}
	return nil
}

// StopNotify is called by BlueZ when the central disables notifications or
// disconnects.
func (c *characteristic) StopNotify() *dbus.Error {
	if central, changed := c.setNotifying(false); changed {
		c.emit(peripheral.Event{Kind: peripheral.EventCentralUnsubscribed, Central: central})
	}
	return nil
}

// advertisement is the exported LEAdvertisement1.
type advertisement struct {
	released func()
}

// Release is called by BlueZ when it drops the advertisement.
func (a *advertisement) Release() *dbus.Error {
	if a.released != nil {
		a.released()
	}
	return nil
}

func advertisementProperties(adv peripheral.Advertisement) map[string]*prop.Prop {
	uuids := adv.ServiceUUIDs
	if uuids == nil {
		uuids = []string{}
	}
	props := map[string]*prop.Prop{
		"Type":         {Value: "peripheral", Emit: prop.EmitFalse},
		"ServiceUUIDs": {Value: uuids, Emit: prop.EmitFalse},
		"Includes":     {Value: []string{"tx-power"}, Emit: prop.EmitFalse},
	}
	if adv.LocalName != "" {
		props["LocalName"] = &prop.Prop{Value: adv.LocalName, Emit: prop.EmitFalse}
	}
	return props
}

// ============================================================================
// Export helpers
// ============================================================================

// exportObject exports v under iface at path together with its properties
// and introspection data.
func exportObject(conn *dbus.Conn, path dbus.ObjectPath, iface string, v interface{}, props map[string]*prop.Prop) (*prop.Properties, error) {
	if err := conn.Export(v, path, iface); err != nil {
		return nil, err
	}
	var (
		properties *prop.Properties
		err        error
	)
	ifaces := []introspect.Interface{introspect.IntrospectData}
	if props != nil {
		properties, err = prop.Export(conn, path, prop.Map{iface: props})
		if err != nil {
			return nil, err
		}
		ifaces = append(ifaces, prop.IntrospectData, introspect.Interface{
			Name:       iface,
			Methods:    introspect.Methods(v),
			Properties: properties.Introspection(iface),
		})
	} else {
		ifaces = append(ifaces, introspect.Interface{Name: iface, Methods: introspect.Methods(v)})
	}
	node := &introspect.Node{Name: string(path), Interfaces: ifaces}
	if err := conn.Export(introspect.NewIntrospectable(node), path, introspectIface); err != nil {
		return nil, err
	}
	return properties, nil
}

// unexportObject removes everything exportObject exported at path.
func unexportObject(conn *dbus.Conn, path dbus.ObjectPath, iface string) {
	conn.Export(nil, path, iface)
	conn.Export(nil, path, dbusProperties)
	conn.Export(nil, path, introspectIface)
}

func toProps(m map[string]dbus.Variant) map[string]*prop.Prop {
	out := make(map[string]*prop.Prop, len(m))
	for k, v := range m {
		emit := prop.EmitFalse
		if k == "Value" {
			emit = prop.EmitTrue
		}
		out[k] = &prop.Prop{Value: v.Value(), Emit: emit}
	}
	return out
}
