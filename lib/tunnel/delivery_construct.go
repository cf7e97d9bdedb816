package tunnel

// NewLocalDeliveryInstructions builds unfragmented DT_LOCAL delivery
// instructions for a message destined for this router's own endpoint
// handler. LOCAL delivery carries neither a tunnel ID nor a hash.
func NewLocalDeliveryInstructions(fragmentSize uint16) *DeliveryInstructions {
	return &DeliveryInstructions{
		fragmentType: FIRST_FRAGMENT,
		deliveryType: DT_LOCAL,
		fragmentSize: fragmentSize,
	}
}

// NewTunnelDeliveryInstructions builds unfragmented DT_TUNNEL delivery
// instructions: the message is handed to another tunnel's gateway,
// identified by tunnelID, at the router identified by gatewayHash.
func NewTunnelDeliveryInstructions(tunnelID uint32, gatewayHash [32]byte, fragmentSize uint16) *DeliveryInstructions {
	return &DeliveryInstructions{
		fragmentType: FIRST_FRAGMENT,
		deliveryType: DT_TUNNEL,
		tunnelID:     tunnelID,
		hash:         gatewayHash,
		fragmentSize: fragmentSize,
	}
}

// NewRouterDeliveryInstructions builds unfragmented DT_ROUTER delivery
// instructions: the message is handed directly to the router identified
// by routerHash, bypassing any tunnel.
func NewRouterDeliveryInstructions(routerHash [32]byte, fragmentSize uint16) *DeliveryInstructions {
	return &DeliveryInstructions{
		fragmentType: FIRST_FRAGMENT,
		deliveryType: DT_ROUTER,
		hash:         routerHash,
		fragmentSize: fragmentSize,
	}
}
